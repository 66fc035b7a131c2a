package flow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportFlowJSON = `{
  "id": "support",
  "tenant_id": "t1",
  "name": "Support triage",
  "start_node_id": "start",
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "menu", "type": "menu", "config": {"prompt": "How can we help?", "options": [{"value": "1", "label": "Sales"}, {"value": "2", "label": "Support"}]}},
    {"id": "sales", "type": "attendantHandoff", "config": {"queue_id": "q-sales"}},
    {"id": "support", "type": "question", "config": {"prompt": "Your email?", "input_type": "email", "variable": "email"}},
    {"id": "done", "type": "end", "config": {"message": "Thanks!"}}
  ],
  "edges": [
    {"source": "start", "target": "menu"},
    {"source": "menu", "target": "sales", "label": "1"},
    {"source": "menu", "target": "support", "label": "2"},
    {"source": "support", "target": "done"}
  ]
}`

func loadSupportFlow(t *testing.T) *Definition {
	t.Helper()
	var def Definition
	require.NoError(t, json.Unmarshal([]byte(supportFlowJSON), &def))
	return &def
}

func TestNodeUnmarshalTypedConfig(t *testing.T) {
	def := loadSupportFlow(t)

	menu := def.Nodes[1]
	cfg, ok := menu.Config.(*MenuConfig)
	require.True(t, ok, "menu config should decode into *MenuConfig")
	assert.Len(t, cfg.Options, 2)
	assert.Equal(t, "Support", cfg.Options[1].Label)

	_, ok = def.Nodes[0].Config.(*StartConfig)
	assert.True(t, ok, "missing config should produce an empty typed config")

	assert.Equal(t, TimeoutMenu, menu.Type.TimeoutClass())
	assert.Equal(t, TimeoutQuestion, def.Nodes[3].Type.TimeoutClass())
	assert.Equal(t, TimeoutGeneral, def.Nodes[2].Type.TimeoutClass())
}

func TestNodeUnmarshalUnknownType(t *testing.T) {
	var node Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport"}`), &node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestWebhookDefaultsToPost(t *testing.T) {
	var node Node
	require.NoError(t, json.Unmarshal([]byte(`{"id":"w","type":"webhook","config":{"url":"http://x"}}`), &node))
	assert.Equal(t, "POST", node.Config.(*HTTPCallConfig).Method)
}

func TestGraphLookups(t *testing.T) {
	g := NewGraph(loadSupportFlow(t))

	node, ok := g.NodeByID("support")
	require.True(t, ok)
	assert.Equal(t, NodeQuestion, node.Type)

	_, ok = g.NodeByID("nope")
	assert.False(t, ok)

	assert.Len(t, g.OutgoingEdges("menu"), 2)
	edge, ok := g.EdgeByLabel("menu", "2")
	require.True(t, ok)
	assert.Equal(t, "support", edge.Target)

	def, ok := g.DefaultEdge("start")
	require.True(t, ok)
	assert.Equal(t, "menu", def.Target)
	assert.Equal(t, "start", g.StartNodeID())
	assert.NoError(t, g.Validate())
}

func TestGraphValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		problem string
	}{
		{
			name: "duplicate node ids",
			mutate: func(d *Definition) {
				d.Nodes = append(d.Nodes, Node{ID: "menu", Type: NodeEnd, Config: &EndConfig{}})
			},
			problem: `duplicate node id "menu"`,
		},
		{
			name: "dangling edge",
			mutate: func(d *Definition) {
				d.Edges = append(d.Edges, Edge{Source: "support", Target: "ghost"})
			},
			problem: "missing target node",
		},
		{
			name: "missing entry",
			mutate: func(d *Definition) {
				d.StartNodeID = ""
				d.Nodes[0].Type = NodeMessage
				d.Nodes[0].Config = &MessageConfig{Text: "hi"}
			},
			problem: "no entry node designated",
		},
		{
			name: "entry does not exist",
			mutate: func(d *Definition) {
				d.StartNodeID = "ghost"
			},
			problem: `entry node "ghost" does not exist`,
		},
		{
			name: "bad node config",
			mutate: func(d *Definition) {
				d.Nodes[2].Config = &AttendantHandoffConfig{}
			},
			problem: "requires queue_id",
		},
		{
			name: "unroutable menu option",
			mutate: func(d *Definition) {
				d.Edges = d.Edges[:2]
				d.Edges = append(d.Edges, Edge{Source: "support", Target: "done"})
			},
			problem: `option "2" has no outgoing edge`,
		},
		{
			name: "broken condition",
			mutate: func(d *Definition) {
				d.Edges = append(d.Edges, Edge{Source: "support", Target: "done", Condition: "email =="})
			},
			problem: "failed to compile condition",
		},
		{
			name: "transfer without queue",
			mutate: func(d *Definition) {
				d.Settings.Inactivity.Action = ActionTransfer
			},
			problem: "transfer_queue_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := loadSupportFlow(t)
			tt.mutate(def)

			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDefinition))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestStartNodeFallsBackToStartType(t *testing.T) {
	def := loadSupportFlow(t)
	def.StartNodeID = ""
	assert.Equal(t, "start", NewGraph(def).StartNodeID())
	assert.NoError(t, def.Validate())
}

func TestInactivitySettingsMerge(t *testing.T) {
	zero := 0
	base := DefaultInactivitySettings()
	merged := base.Merge(&InactivitySettings{MenuTimeout: 60, Action: ActionEnd, MaxWarnings: &zero})

	assert.Equal(t, 60, merged.MenuTimeout)
	assert.Equal(t, DefaultTimeoutSeconds, merged.GeneralTimeout)
	assert.Equal(t, ActionEnd, merged.Action)
	assert.Equal(t, 0, merged.WarningLimit())
	assert.Equal(t, DefaultMaxWarnings, base.WarningLimit(), "merge must not alias the base pointer")

	assert.Equal(t, base, base.Merge(nil))
	assert.Equal(t, int64(60), int64(merged.Timeout(TimeoutMenu).Seconds()))
	assert.Equal(t, int64(300), int64(merged.Timeout(TimeoutQuestion).Seconds()))

	resolved := InactivitySettings{Action: ActionReengage}.Resolved()
	assert.Equal(t, ActionReengage, resolved.Action)
	assert.Equal(t, DefaultEndMessage, resolved.EndMessage)
}
