package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// cmdFlags is a subcommand's parsed flags and positional arguments.
type cmdFlags struct {
	values map[string]string
	bools  map[string]bool
	args   []string
}

// parseCmdFlags accepts "-name value", "-name=value", and boolean
// "-name" anywhere in args. Anything after "--" is positional.
func parseCmdFlags(args []string, valueFlags, boolFlags []string) (*cmdFlags, error) {
	f := &cmdFlags{values: make(map[string]string), bools: make(map[string]bool)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			f.args = append(f.args, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			f.args = append(f.args, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		value, hasValue := "", false
		if k, v, ok := strings.Cut(name, "="); ok {
			name, value, hasValue = k, v, true
		}

		switch {
		case slices.Contains(boolFlags, name):
			if !hasValue {
				f.bools[name] = true
				continue
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("flag -%s: %w", name, err)
			}
			f.bools[name] = b
		case slices.Contains(valueFlags, name):
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("flag -%s needs a value", name)
				}
				i++
				value = args[i]
			}
			f.values[name] = value
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return f, nil
}

// get returns a value flag, or "".
func (f *cmdFlags) get(name string) string { return f.values[name] }

// has reports whether a value flag was given.
func (f *cmdFlags) has(name string) bool {
	_, ok := f.values[name]
	return ok
}

func (f *cmdFlags) bool(name string) bool { return f.bools[name] }

// require returns a value flag or an error naming it.
func (f *cmdFlags) require(name string) (string, error) {
	v := strings.TrimSpace(f.values[name])
	if v == "" {
		return "", fmt.Errorf("flag -%s is required", name)
	}
	return v, nil
}

// intOr parses an integer flag, returning def when absent.
func (f *cmdFlags) intOr(name string, def int) (int, error) {
	v, ok := f.values[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("flag -%s: %w", name, err)
	}
	return n, nil
}
