package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tcmartin/convoflow/pkg/scripting"
)

// ErrInvalidDefinition is returned when a flow graph fails validation
var ErrInvalidDefinition = errors.New("invalid flow definition")

// ValidationError lists every problem found in a flow graph
type ValidationError struct {
	FlowID   string
	Problems []string
}

// Error implements error
func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow %s is invalid: %s", e.FlowID, strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, ErrInvalidDefinition) match
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

var conditions scripting.ConditionEvaluator = scripting.NewJSConditionEvaluator()

// Graph is a read-only indexed view of a Definition, safe for concurrent use
type Graph struct {
	def      *Definition
	nodes    map[string]*Node
	outgoing map[string][]Edge
	dupes    []string
}

// NewGraph indexes a definition. The definition must not be mutated afterwards.
func NewGraph(def *Definition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]*Node, len(def.Nodes)),
		outgoing: make(map[string][]Edge),
	}
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if _, exists := g.nodes[node.ID]; exists {
			g.dupes = append(g.dupes, node.ID)
			continue
		}
		g.nodes[node.ID] = node
	}
	for _, edge := range def.Edges {
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
	}
	return g
}

// Definition returns the underlying definition
func (g *Graph) Definition() *Definition {
	return g.def
}

// NodeByID returns the node with the given id
func (g *Graph) NodeByID(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// OutgoingEdges returns the edges leaving a node in declaration order
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	return g.outgoing[nodeID]
}

// EdgeByLabel returns the first outgoing edge carrying the label
func (g *Graph) EdgeByLabel(nodeID, label string) (Edge, bool) {
	for _, edge := range g.outgoing[nodeID] {
		if edge.Label != "" && strings.EqualFold(edge.Label, label) {
			return edge, true
		}
	}
	return Edge{}, false
}

// DefaultEdge returns the first outgoing edge with neither label nor condition
func (g *Graph) DefaultEdge(nodeID string) (Edge, bool) {
	for _, edge := range g.outgoing[nodeID] {
		if edge.IsDefault() {
			return edge, true
		}
	}
	return Edge{}, false
}

// StartNodeID returns the designated entry node: StartNodeID when set,
// otherwise the only node of type start.
func (g *Graph) StartNodeID() string {
	if g.def.StartNodeID != "" {
		return g.def.StartNodeID
	}
	var found string
	for _, node := range g.def.Nodes {
		if node.Type == NodeStart {
			if found != "" {
				return ""
			}
			found = node.ID
		}
	}
	return found
}

// Validate rejects graphs that could strand an execution
func (g *Graph) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if g.def.ID == "" {
		add("flow id is required")
	}
	if len(g.def.Nodes) == 0 {
		add("flow has no nodes")
	}
	for _, id := range g.dupes {
		add("duplicate node id %q", id)
	}

	start := g.StartNodeID()
	if start == "" {
		add("no entry node designated")
	} else if _, ok := g.nodes[start]; !ok {
		add("entry node %q does not exist", start)
	}

	for _, node := range g.def.Nodes {
		if node.ID == "" {
			add("node without id")
			continue
		}
		if !KnownType(node.Type) {
			add("node %q has unknown type %q", node.ID, node.Type)
			continue
		}
		if node.Config == nil {
			add("node %q has no config", node.ID)
			continue
		}
		if err := node.Config.Validate(); err != nil {
			add("node %q: %v", node.ID, err)
		}
		if menu, ok := node.Config.(*MenuConfig); ok {
			_, hasDefault := g.DefaultEdge(node.ID)
			for _, opt := range menu.Options {
				if _, labelled := g.EdgeByLabel(node.ID, opt.Value); !labelled && !hasDefault {
					add("menu %q option %q has no outgoing edge", node.ID, opt.Value)
				}
			}
		}
	}

	for _, edge := range g.def.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			add("edge %s->%s references missing source node", edge.Source, edge.Target)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			add("edge %s->%s references missing target node", edge.Source, edge.Target)
		}
		if edge.Condition != "" {
			if err := conditions.Compile(edge.Condition); err != nil {
				add("edge %s->%s: %v", edge.Source, edge.Target, err)
			}
		}
	}

	if err := g.def.Settings.Inactivity.Validate(); err != nil {
		add("inactivity settings: %v", err)
	}
	if id := g.def.Settings.Inactivity.ReengageNodeID; id != "" {
		if _, ok := g.nodes[id]; !ok {
			add("reengage node %q does not exist", id)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{FlowID: g.def.ID, Problems: problems}
	}
	return nil
}

// Validate builds a graph for the definition and validates it
func (d *Definition) Validate() error {
	return NewGraph(d).Validate()
}
