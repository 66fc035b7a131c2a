// Package flow describes conversation flow graphs: typed nodes, edges and
// the per-flow inactivity policy.
package flow

import (
	"time"
)

// Definition is one immutable version of a tenant-owned flow graph
type Definition struct {
	// ID of the flow
	ID string `json:"id" yaml:"id"`

	// TenantID is the tenant that owns the flow
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// Name of the flow
	Name string `json:"name" yaml:"name"`

	// Description of the flow
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is assigned by the registry when the definition is stored
	Version int `json:"version" yaml:"version"`

	// Active reports whether new executions may be started
	Active bool `json:"active" yaml:"active"`

	// StartNodeID is the entry node of the graph
	StartNodeID string `json:"start_node_id" yaml:"start_node_id"`

	// Nodes of the graph
	Nodes []Node `json:"nodes" yaml:"nodes"`

	// Edges of the graph
	Edges []Edge `json:"edges" yaml:"edges"`

	// Settings holds flow-wide runtime policy
	Settings Settings `json:"settings" yaml:"settings"`

	// CreatedAt is when this version was stored
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// UpdatedAt is when the flow metadata was last changed
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Edge connects two nodes, optionally guarded by a label or a condition
type Edge struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Reserved edge labels
const (
	LabelError   = "error"
	LabelInvalid = "invalid"
	LabelTimeout = "timeout"
)

// IsDefault reports whether the edge carries neither label nor condition
func (e Edge) IsDefault() bool {
	return e.Label == "" && e.Condition == ""
}

// Settings holds flow-wide runtime policy
type Settings struct {
	// Inactivity is the inactivity policy applied to every execution of the flow
	Inactivity InactivitySettings `json:"inactivity" yaml:"inactivity"`

	// ErrorMessage is sent to the contact when an execution fails
	ErrorMessage string `json:"error_message,omitempty" yaml:"error_message,omitempty"`

	// ForceEndMessage is sent to the contact when an operator force-ends an execution
	ForceEndMessage string `json:"force_end_message,omitempty" yaml:"force_end_message,omitempty"`

	// MaxSteps bounds consecutive automatic transitions in one dispatch
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// DefaultErrorMessage is sent when a flow does not configure its own apology
const DefaultErrorMessage = "Sorry, something went wrong on our side. An attendant will follow up with you shortly."

// DefaultForceEndMessage is sent when an operator closes a conversation and the
// flow does not configure its own text
const DefaultForceEndMessage = "This conversation has been closed. Send a new message whenever you need us."

// DefaultMaxSteps bounds a single dispatch when the flow does not configure it
const DefaultMaxSteps = 100

// EffectiveErrorMessage returns the configured apology or the default one
func (s Settings) EffectiveErrorMessage() string {
	if s.ErrorMessage != "" {
		return s.ErrorMessage
	}
	return DefaultErrorMessage
}

// EffectiveForceEndMessage returns the configured force-end text or the default one
func (s Settings) EffectiveForceEndMessage() string {
	if s.ForceEndMessage != "" {
		return s.ForceEndMessage
	}
	return DefaultForceEndMessage
}

// EffectiveMaxSteps returns the configured step bound or the default one
func (s Settings) EffectiveMaxSteps() int {
	if s.MaxSteps > 0 {
		return s.MaxSteps
	}
	return DefaultMaxSteps
}
