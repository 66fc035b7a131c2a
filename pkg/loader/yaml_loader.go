package loader

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// YAMLLoader implements FlowLoader. JSON documents are accepted as YAML.
type YAMLLoader struct{}

// NewYAMLLoader creates a new YAML loader
func NewYAMLLoader() *YAMLLoader {
	return &YAMLLoader{}
}

// Parse decodes a YAML or JSON document into a flow definition.
//
// Node configs are decoded by node type, so the document is first normalized
// into a generic tree and re-encoded as JSON for flow.Node.UnmarshalJSON.
func (l *YAMLLoader) Parse(content []byte) (*flow.Definition, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	var tree interface{}
	if err := yaml.Unmarshal(content, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, ok := tree.(map[string]interface{}); !ok {
		if _, ok := tree.(map[interface{}]interface{}); !ok {
			return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidDocument)
		}
	}

	data, err := json.Marshal(normalize(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode flow document: %w", err)
	}

	var def flow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &def, nil
}

// Load decodes the document and validates the resulting graph
func (l *YAMLLoader) Load(content []byte) (*flow.Definition, error) {
	def, err := l.Parse(content)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks whether the document describes a valid flow
func (l *YAMLLoader) Validate(content []byte) error {
	_, err := l.Load(content)
	return err
}

// normalize converts the map[interface{}]interface{} values yaml produces for
// non-string keys into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
