// Package models holds the runtime entities of the flow engine: executions,
// inbound messages, side-effect intents and notifications.
package models

import (
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// Status is the lifecycle state of an execution
type Status string

// Execution statuses
const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition is defined out of the status
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusError
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// InactivityStatus tracks the inactivity lifecycle independently of Status
type InactivityStatus string

// Inactivity statuses
const (
	InactivityActive   InactivityStatus = "active"
	InactivityWarning  InactivityStatus = "warning"
	InactivityInactive InactivityStatus = "inactive"
)

// InputKind is the shape of the reply an execution waits for
type InputKind string

// Input kinds
const (
	InputMenu    InputKind = "menu"
	InputOptions InputKind = "options"
	InputText    InputKind = "text"
	InputNumber  InputKind = "number"
	InputEmail   InputKind = "email"
	InputPhone   InputKind = "phone"
)

// InputOption is one acceptable answer of a menu or options input
type InputOption struct {
	Value        string `json:"value"`
	Label        string `json:"label,omitempty"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// InputSpec describes the reply a suspended execution expects
type InputSpec struct {
	// Kind selects the validator
	Kind InputKind `json:"kind"`

	// Options lists acceptable answers for menu and options inputs
	Options []InputOption `json:"options,omitempty"`

	// Variable receives the validated answer
	Variable string `json:"variable,omitempty"`

	// NextNodeID is where a valid answer resumes when no option target applies
	NextNodeID string `json:"next_node_id,omitempty"`

	// FallbackNodeID is taken once retries are exhausted
	FallbackNodeID string `json:"fallback_node_id,omitempty"`

	// Prompt is repeated on re-prompt
	Prompt string `json:"prompt,omitempty"`

	// InvalidMessage is sent ahead of the re-prompt
	InvalidMessage string `json:"invalid_message,omitempty"`

	// MaxRetries bounds re-prompts
	MaxRetries int `json:"max_retries"`

	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`

	// Reenter resumes by invoking the suspended node again with the reply
	Reenter bool `json:"reenter,omitempty"`

	// TimeoutClass selects the inactivity timeout while waiting
	TimeoutClass flow.TimeoutClass `json:"timeout_class,omitempty"`

	// State is owned by the suspended node and handed back when it is re-entered
	State map[string]interface{} `json:"state,omitempty"`
}

// AwaitingInput is persisted while an execution waits for a reply
type AwaitingInput struct {
	NodeID     string    `json:"node_id"`
	Input      InputSpec `json:"input"`
	Retries    int       `json:"retries"`
	PromptedAt time.Time `json:"prompted_at"`
}

// Execution is one running instance of a flow bound to a single contact
type Execution struct {
	// ID of the execution
	ID string `json:"id"`

	// FlowID is the flow being executed
	FlowID string `json:"flow_id"`

	// FlowVersion pins the definition version the execution was started with
	FlowVersion int `json:"flow_version"`

	// TenantID owns the execution
	TenantID string `json:"tenant_id"`

	// ContactID is the contact the conversation runs with
	ContactID string `json:"contact_id"`

	// TicketRef optionally binds the execution to a support ticket
	TicketRef string `json:"ticket_ref,omitempty"`

	// Status of the execution
	Status Status `json:"status"`

	// StatusReason explains the last status change
	StatusReason string `json:"status_reason,omitempty"`

	// CurrentNodeID always references a node of the pinned flow version
	CurrentNodeID string `json:"current_node_id"`

	// Variables holds user visible values only
	Variables *Variables `json:"variables"`

	// Awaiting is set while the execution waits for a reply
	Awaiting *AwaitingInput `json:"awaiting,omitempty"`

	// Inactivity bookkeeping
	InactivityStatus       InactivityStatus         `json:"inactivity_status"`
	LastInteractionAt      time.Time                `json:"last_interaction_at"`
	InactivityDeadline     *time.Time               `json:"inactivity_deadline,omitempty"`
	InactivityWarningsSent int                      `json:"inactivity_warnings_sent"`
	LastWarningAt          *time.Time               `json:"last_warning_at,omitempty"`
	InactivityReason       string                   `json:"inactivity_reason,omitempty"`
	InactivityOverride     *flow.InactivitySettings `json:"inactivity_override,omitempty"`

	// Reengagement bookkeeping
	ReengagementAttempts    int   `json:"reengagement_attempts"`
	LastReengagementSuccess *bool `json:"last_reengagement_success,omitempty"`

	// LastMessageID is the last inbound message applied to the execution
	LastMessageID string `json:"last_message_id,omitempty"`

	// ErrorMessage is recorded when the execution fails
	ErrorMessage string `json:"error_message,omitempty"`

	// StepCount counts node invocations over the execution lifetime
	StepCount int `json:"step_count"`

	// Version is the optimistic concurrency token, incremented on every write
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsAwaiting reports whether the execution is active and waiting for a reply
func (e *Execution) IsAwaiting() bool {
	return e.Status == StatusActive && e.Awaiting != nil
}

// Clone returns a deep copy suitable for handing to handlers as a snapshot
func (e *Execution) Clone() *Execution {
	out := *e
	out.Variables = e.Variables.Clone()
	if e.Awaiting != nil {
		awaiting := *e.Awaiting
		awaiting.Input.Options = append([]InputOption(nil), e.Awaiting.Input.Options...)
		if e.Awaiting.Input.State != nil {
			awaiting.Input.State = cloneValue(e.Awaiting.Input.State).(map[string]interface{})
		}
		out.Awaiting = &awaiting
	}
	out.InactivityDeadline = cloneTime(e.InactivityDeadline)
	out.LastWarningAt = cloneTime(e.LastWarningAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	if e.LastReengagementSuccess != nil {
		v := *e.LastReengagementSuccess
		out.LastReengagementSuccess = &v
	}
	if e.InactivityOverride != nil {
		override := flow.InactivitySettings{}.Merge(e.InactivityOverride)
		out.InactivityOverride = &override
	}
	return &out
}

// InactivityPolicy returns the flow policy with the execution override applied
func (e *Execution) InactivityPolicy(base flow.InactivitySettings) flow.InactivitySettings {
	return base.Resolved().Merge(e.InactivityOverride)
}

// ResetInactivity records a genuine interaction
func (e *Execution) ResetInactivity(now time.Time) {
	e.LastInteractionAt = now
	e.InactivityStatus = InactivityActive
	e.InactivityWarningsSent = 0
	e.LastWarningAt = nil
	e.InactivityReason = ""
}

// ScheduleInactivity recomputes InactivityDeadline. class is the timeout
// class of the node the execution currently rests on.
func (e *Execution) ScheduleInactivity(policy flow.InactivitySettings, class flow.TimeoutClass) {
	if e.Status != StatusActive {
		e.InactivityDeadline = nil
		return
	}
	if e.Awaiting != nil && e.Awaiting.Input.TimeoutClass != "" {
		class = e.Awaiting.Input.TimeoutClass
	}
	var deadline time.Time
	if e.InactivityStatus == InactivityWarning && e.LastWarningAt != nil {
		deadline = e.LastWarningAt.Add(policy.WarningDelay())
	} else {
		deadline = e.LastInteractionAt.Add(policy.Timeout(class))
	}
	e.InactivityDeadline = &deadline
}

// Finish moves the execution into a terminal status
func (e *Execution) Finish(status Status, reason string, now time.Time) {
	e.Status = status
	e.StatusReason = reason
	e.Awaiting = nil
	e.InactivityStatus = InactivityInactive
	e.InactivityDeadline = nil
	e.CompletedAt = &now
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
