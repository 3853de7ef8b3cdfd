package tools

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// JSON schema type names accepted in Property.Type.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Property is one parameter of a function schema.
type Property struct {
	Type        string
	Description string
	Enum        []string
	Default     any
}

// Schema is a function's parameter contract: typed properties plus the
// required subset.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// JSON renders the schema as a JSON schema object for providers.
func (s Schema) JSON() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// Validate checks decoded arguments against the schema. Unknown
// properties, missing required properties, type mismatches, and values
// outside an enum are all reported.
func (s Schema) Validate(args map[string]any) []string {
	var problems []string

	for _, name := range s.Required {
		v, ok := args[name]
		if !ok || v == nil {
			problems = append(problems, fmt.Sprintf("%s is required", name))
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" && s.Properties[name].Type == TypeString {
			problems = append(problems, fmt.Sprintf("%s must not be empty", name))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := args[name]
		p, ok := s.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %s", name))
			continue
		}
		if v == nil {
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be of type %s", name, p.Type))
			continue
		}
		if len(p.Enum) > 0 {
			if str, _ := v.(string); !slices.Contains(p.Enum, str) {
				problems = append(problems, fmt.Sprintf("%s must be one of %s", name, strings.Join(p.Enum, ", ")))
			}
		}
	}
	return problems
}

// matchesType reports whether a JSON-decoded value has the schema type.
func matchesType(typ string, v any) bool {
	switch typ {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return true
}
