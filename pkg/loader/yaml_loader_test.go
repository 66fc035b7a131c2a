package loader

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
)

func TestLoadExampleFlow(t *testing.T) {
	content, err := os.ReadFile("../../examples/flows/support.yaml")
	require.NoError(t, err)

	def, err := NewYAMLLoader().Load(content)
	require.NoError(t, err)

	assert.Equal(t, "support", def.ID)
	assert.Equal(t, "start", def.StartNodeID)
	assert.Len(t, def.Nodes, 7)
	assert.Len(t, def.Edges, 8)

	menu, ok := flow.NewGraph(def).NodeByID("menu")
	require.True(t, ok)
	cfg, ok := menu.Config.(*flow.MenuConfig)
	require.True(t, ok)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "Sales", cfg.Options[0].Label)
	assert.Equal(t, "An attendant closed this conversation. Write again anytime.", def.Settings.EffectiveForceEndMessage())

	inactivity := def.Settings.Inactivity
	assert.Equal(t, 180, inactivity.MenuTimeout)
	require.NotNil(t, inactivity.MaxWarnings)
	assert.Equal(t, 1, *inactivity.MaxWarnings)
	assert.Equal(t, flow.ActionTransfer, inactivity.EscalationAction)
}

func TestParseAcceptsJSON(t *testing.T) {
	doc := `{"id":"j","start_node_id":"a","nodes":[{"id":"a","type":"message","config":{"text":"hi"}}],"edges":[]}`

	def, err := NewYAMLLoader().Load([]byte(doc))
	require.NoError(t, err)

	cfg, ok := def.Nodes[0].Config.(*flow.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "hi", cfg.Text)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	l := NewYAMLLoader()

	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "   "},
		{"scalar", "just a string"},
		{"broken yaml", "id: [unterminated"},
		{"unknown node type", "id: x\nnodes:\n  - id: a\n    type: teleport\n"},
		{"bad config shape", "id: x\nnodes:\n  - id: a\n    type: menu\n    config:\n      options: nope\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument), "got %v", err)
		})
	}
}

func TestLoadRejectsInvalidGraph(t *testing.T) {
	doc := `
id: broken
start_node_id: a
nodes:
  - id: a
    type: message
    config:
      text: hello
edges:
  - source: a
    target: ghost
`
	l := NewYAMLLoader()

	def, err := l.Parse([]byte(doc))
	require.NoError(t, err, "parsing does not check the graph")
	assert.Equal(t, "broken", def.ID)

	err = l.Validate([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrInvalidDefinition))
	assert.Contains(t, err.Error(), "ghost")
}

func TestNormalizeNonStringKeys(t *testing.T) {
	out := normalize(map[interface{}]interface{}{
		1:      "one",
		"list": []interface{}{map[interface{}]interface{}{true: "yes"}},
	})

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "one", m["1"])
	nested := m["list"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "yes", nested["true"])
}
