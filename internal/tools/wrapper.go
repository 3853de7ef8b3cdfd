package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ragassist/agentmaster/internal/agents"
)

// canonicalParamNames maps common tool parameter names (lowercased) to
// the names the model sees. Unknown names become param_N.
var canonicalParamNames = map[string]string{
	"q":             "query",
	"query":         "query",
	"search":        "query",
	"search_query":  "query",
	"keyword":       "query",
	"keywords":      "query",
	"text":          "text",
	"input":         "text",
	"content":       "text",
	"msg":           "message",
	"message":       "message",
	"prompt":        "message",
	"url":           "url",
	"uri":           "url",
	"link":          "url",
	"endpoint":      "url",
	"id":            "id",
	"identifier":    "id",
	"email":         "email",
	"email_address": "email",
	"to":            "recipient",
	"recipient":     "recipient",
	"subject":       "subject",
	"title":         "title",
	"body":          "body",
	"city":          "location",
	"location":      "location",
	"place":         "location",
	"address":       "location",
	"lang":          "language",
	"language":      "language",
	"locale":        "language",
	"n":             "limit",
	"limit":         "limit",
	"count":         "limit",
	"max_results":   "limit",
	"page":          "page",
	"date":          "date",
	"day":           "date",
	"from":          "start_date",
	"start":         "start_date",
	"start_date":    "start_date",
	"until":         "end_date",
	"end":           "end_date",
	"end_date":      "end_date",
	"name":          "name",
	"username":      "username",
	"user":          "username",
	"phone":         "phone",
	"tel":           "phone",
	"amount":        "amount",
	"price":         "amount",
	"currency":      "currency",
	"category":      "category",
	"type":          "category",
}

// wrapperParam is one parameter of a synthesized function.
type wrapperParam struct {
	Name        string // AI-facing
	ToolName    string // tool's own
	Type        string
	Description string
	Enum        []string
}

// wrapper is an AI-facing function synthesized from a registry tool.
type wrapper struct {
	Name        string
	Description string
	Params      []wrapperParam
	Required    []string
}

// mapping returns AI name -> tool parameter name.
func (w *wrapper) mapping() map[string]string {
	m := make(map[string]string, len(w.Params))
	for _, p := range w.Params {
		m[p.Name] = p.ToolName
	}
	return m
}

// definition renders the function the way it is stored and offered.
func (w *wrapper) definition() json.RawMessage {
	props := make(map[string]any, len(w.Params))
	for _, p := range w.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
	}
	required := w.Required
	if required == nil {
		required = []string{}
	}
	def := map[string]any{
		"name":        w.Name,
		"description": w.Description,
		"parameters": map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
	data, _ := json.Marshal(def)
	return data
}

type toolSchema struct {
	Properties map[string]toolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

type toolProperty struct {
	Type        any    `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum"`
}

var nonIdentChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// functionName derives a provider-safe function name.
func functionName(toolKey, alias string) string {
	name := alias
	if strings.TrimSpace(name) == "" {
		name = toolKey
	}
	name = strings.Trim(nonIdentChars.ReplaceAllString(strings.TrimSpace(name), "_"), "_")
	if name == "" {
		name = "tool"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// synthesizeWrapper builds the AI-facing function for a tool. argDefaults
// is keyed by tool parameter name; parameters it covers are not required
// from the model.
func synthesizeWrapper(tool *agents.Tool, alias string, argDefaults map[string]any) (*wrapper, error) {
	w := &wrapper{
		Name:        functionName(tool.Key, alias),
		Description: tool.Description,
	}
	if w.Description == "" {
		w.Description = fmt.Sprintf("Run the %s tool.", tool.Name)
	}
	if len(bytes.TrimSpace(tool.InputSchema)) == 0 {
		return w, nil
	}

	var schema toolSchema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return nil, fmt.Errorf("parse input schema of %s: %w", tool.Key, err)
	}
	order, err := propertyOrder(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("read property order of %s: %w", tool.Key, err)
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	used := make(map[string]bool, len(order))
	for i, toolName := range order {
		prop := schema.Properties[toolName]
		name, ok := canonicalParamNames[strings.ToLower(toolName)]
		if !ok || used[name] {
			name = fmt.Sprintf("param_%d", i+1)
		}
		used[name] = true

		p := wrapperParam{
			Name:     name,
			ToolName: toolName,
			Type:     mapType(prop.Type),
		}
		for _, e := range prop.Enum {
			p.Enum = append(p.Enum, fmt.Sprint(e))
		}
		p.Description = describeParam(p, prop.Description, tool.Name)
		w.Params = append(w.Params, p)

		if _, defaulted := argDefaults[toolName]; required[toolName] && !defaulted {
			w.Required = append(w.Required, name)
		}
	}
	return w, nil
}

// propertyOrder returns the keys of the schema's properties object in
// document order.
func propertyOrder(schema json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(schema))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("schema is not an object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if key != "properties" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil, fmt.Errorf("properties is not an object")
		}
		var keys []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			k, _ := tok.(string)
			keys = append(keys, k)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return keys, nil
	}
	return nil, nil
}

// mapType normalizes a tool schema type to a JSON schema type. Union
// types use their first non-null member.
func mapType(t any) string {
	var name string
	switch v := t.(type) {
	case string:
		name = v
	case []any:
		for _, member := range v {
			if s, _ := member.(string); s != "" && s != "null" {
				name = s
				break
			}
		}
	}
	switch strings.ToLower(name) {
	case "integer", "int", "int32", "int64", "long":
		return TypeInteger
	case "number", "float", "double", "decimal":
		return TypeNumber
	case "boolean", "bool":
		return TypeBoolean
	case "object", "dict", "map":
		return TypeObject
	case "array", "list":
		return TypeArray
	default:
		return TypeString
	}
}

func describeParam(p wrapperParam, original, toolName string) string {
	desc := strings.TrimSpace(original)
	if desc == "" {
		label := p.Name
		if strings.HasPrefix(label, "param_") {
			label = p.ToolName
		}
		desc = fmt.Sprintf("The %s for %s", strings.ReplaceAll(label, "_", " "), toolName)
	}
	if len(p.Enum) > 0 {
		desc += fmt.Sprintf(" (one of: %s)", strings.Join(p.Enum, ", "))
	}
	return desc
}

// storedWrapper rebuilds a wrapper from an agent-tool row's stored
// function definition and parameter mapping.
func storedWrapper(at *agents.AgentTool) (*wrapper, error) {
	var def struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  struct {
			Properties map[string]struct {
				Type        string   `json:"type"`
				Description string   `json:"description"`
				Enum        []string `json:"enum"`
			} `json:"properties"`
			Required []string `json:"required"`
		} `json:"parameters"`
	}
	if len(at.FunctionDef) > 0 {
		if err := json.Unmarshal(at.FunctionDef, &def); err != nil {
			return nil, fmt.Errorf("parse stored function of %s: %w", at.ToolKey, err)
		}
	}

	w := &wrapper{Name: def.Name, Description: def.Description, Required: def.Parameters.Required}
	names := make([]string, 0, len(def.Parameters.Properties))
	for name := range def.Parameters.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop := def.Parameters.Properties[name]
		toolName := at.ParamMapping[name]
		if toolName == "" {
			toolName = name
		}
		w.Params = append(w.Params, wrapperParam{
			Name:        name,
			ToolName:    toolName,
			Type:        prop.Type,
			Description: prop.Description,
			Enum:        prop.Enum,
		})
	}
	return w, nil
}
