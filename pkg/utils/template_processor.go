package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(`{{\s*([^}]+?)\s*}}`)
	indexPattern       = regexp.MustCompile(`^(.+)\[(\d+)\]$`)
)

// ProcessTemplate replaces {{path}} placeholders with values from variables.
// A placeholder may pipe its value through functions:
//
//	{{result.items[0].name | upper}}
//	{{payload | fromjson | .query}}
//
// Missing values render as the empty string.
func ProcessTemplate(template string, variables map[string]interface{}) (string, error) {
	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := placeholderPattern.FindStringSubmatch(match)[1]
		parts := strings.Split(expr, "|")

		value := GetNestedValue(variables, strings.TrimSpace(parts[0]))
		for _, fn := range parts[1:] {
			var err error
			value, err = applyFunction(strings.TrimSpace(fn), value)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to render %q: %w", match, err)
				}
				return ""
			}
		}
		return Stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// MustProcessTemplate renders the template and falls back to the raw text on error
func MustProcessTemplate(template string, variables map[string]interface{}) string {
	out, err := ProcessTemplate(template, variables)
	if err != nil {
		return template
	}
	return out
}

func applyFunction(name string, value interface{}) (interface{}, error) {
	switch {
	case name == "fromjson":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("fromjson requires string input")
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	case name == "json":
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case name == "upper":
		return strings.ToUpper(Stringify(value)), nil
	case name == "lower":
		return strings.ToLower(Stringify(value)), nil
	case name == "trim":
		return strings.TrimSpace(Stringify(value)), nil
	case strings.HasPrefix(name, "."):
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot access property %s", name[1:])
		}
		return m[name[1:]], nil
	default:
		return nil, fmt.Errorf("unknown template function %q", name)
	}
}

// GetNestedValue retrieves a nested value using dot notation with optional
// array indexes, e.g. "order.items[0].sku"
func GetNestedValue(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		index := -1
		if m := indexPattern.FindStringSubmatch(part); m != nil {
			part = m[1]
			index, _ = strconv.Atoi(m[2])
		}

		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = currentMap[part]

		if index >= 0 {
			array, ok := current.([]interface{})
			if !ok || index >= len(array) {
				return nil
			}
			current = array[index]
		}
	}
	return current
}

// Stringify renders a variable value for inclusion in a message
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
