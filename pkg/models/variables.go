package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Variables is an insertion-ordered key/value bag that serializes as a JSON object
type Variables struct {
	keys   []string
	values map[string]interface{}
}

// NewVariables creates a bag from a map. Map iteration order is random, so
// callers that care about order should use Set.
func NewVariables(initial map[string]interface{}) *Variables {
	v := &Variables{values: make(map[string]interface{}, len(initial))}
	for key, value := range initial {
		v.Set(key, value)
	}
	return v
}

// Get returns the value stored under key
func (v *Variables) Get(key string) (interface{}, bool) {
	if v == nil || v.values == nil {
		return nil, false
	}
	value, ok := v.values[key]
	return value, ok
}

// GetString returns the value under key formatted as a string
func (v *Variables) GetString(key string) string {
	value, ok := v.Get(key)
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// Set stores a value, keeping the original position of existing keys
func (v *Variables) Set(key string, value interface{}) {
	if v.values == nil {
		v.values = make(map[string]interface{})
	}
	if _, exists := v.values[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Delete removes a key
func (v *Variables) Delete(key string) {
	if v == nil || v.values == nil {
		return
	}
	if _, exists := v.values[key]; !exists {
		return
	}
	delete(v.values, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (v *Variables) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Len returns the number of keys
func (v *Variables) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Map returns a shallow copy as a plain map
func (v *Variables) Map() map[string]interface{} {
	out := make(map[string]interface{}, v.Len())
	if v == nil {
		return out
	}
	for _, key := range v.keys {
		out[key] = v.values[key]
	}
	return out
}

// Merge applies updates in their own key order
func (v *Variables) Merge(updates *Variables) {
	if updates == nil {
		return
	}
	for _, key := range updates.keys {
		v.Set(key, updates.values[key])
	}
}

// Clone returns a deep copy of the bag
func (v *Variables) Clone() *Variables {
	out := &Variables{values: make(map[string]interface{}, v.Len())}
	if v == nil {
		return out
	}
	for _, key := range v.keys {
		out.Set(key, cloneValue(v.values[key]))
	}
	return out
}

func cloneValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

// MarshalJSON writes the keys in insertion order
func (v *Variables) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v.values[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal variable %s: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving key order
func (v *Variables) UnmarshalJSON(data []byte) error {
	v.keys = nil
	v.values = make(map[string]interface{})
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("variables must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected variable key %v", tok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode variable %s: %w", key, err)
		}
		v.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
