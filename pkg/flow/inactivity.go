package flow

import (
	"fmt"
	"time"
)

// TimeoutClass groups node types that share an inactivity timeout
type TimeoutClass string

// Timeout classes
const (
	TimeoutGeneral  TimeoutClass = "general"
	TimeoutQuestion TimeoutClass = "question"
	TimeoutMenu     TimeoutClass = "menu"
)

// InactivityAction is the policy applied once an execution stalls
type InactivityAction string

// Inactivity actions
const (
	ActionWarning  InactivityAction = "warning"
	ActionReengage InactivityAction = "reengage"
	ActionTransfer InactivityAction = "transfer"
	ActionEnd      InactivityAction = "end"
)

// Default inactivity values
const (
	DefaultTimeoutSeconds        = 300
	DefaultWarningTimeoutSeconds = 120
	DefaultMaxWarnings           = 2
	DefaultMaxReengagements      = 1
	DefaultWarningMessage        = "Are you still there? Reply to continue the conversation."
	DefaultReengageMessage       = "We noticed you stepped away. Reply anytime to pick up where you left off."
	DefaultEndMessage            = "This conversation was closed due to inactivity. Send a new message whenever you need us."
)

// InactivitySettings configures the inactivity lifecycle of an execution.
// Zero values mean "inherit" when used as an override.
type InactivitySettings struct {
	GeneralTimeout   int              `json:"general_timeout,omitempty" yaml:"general_timeout,omitempty"`
	QuestionTimeout  int              `json:"question_timeout,omitempty" yaml:"question_timeout,omitempty"`
	MenuTimeout      int              `json:"menu_timeout,omitempty" yaml:"menu_timeout,omitempty"`
	WarningTimeout   int              `json:"warning_timeout,omitempty" yaml:"warning_timeout,omitempty"`
	Action           InactivityAction `json:"action,omitempty" yaml:"action,omitempty"`
	MaxWarnings      *int             `json:"max_warnings,omitempty" yaml:"max_warnings,omitempty"`
	WarningMessage   string           `json:"warning_message,omitempty" yaml:"warning_message,omitempty"`
	MaxReengagements int              `json:"max_reengagements,omitempty" yaml:"max_reengagements,omitempty"`
	ReengageMessage  string           `json:"reengage_message,omitempty" yaml:"reengage_message,omitempty"`
	ReengageNodeID   string           `json:"reengage_node_id,omitempty" yaml:"reengage_node_id,omitempty"`
	TransferQueueID  string           `json:"transfer_queue_id,omitempty" yaml:"transfer_queue_id,omitempty"`
	EndMessage       string           `json:"end_message,omitempty" yaml:"end_message,omitempty"`
	EscalationAction InactivityAction `json:"escalation_action,omitempty" yaml:"escalation_action,omitempty"`
}

// DefaultInactivitySettings returns the policy used when a flow configures nothing
func DefaultInactivitySettings() InactivitySettings {
	maxWarnings := DefaultMaxWarnings
	return InactivitySettings{
		GeneralTimeout:   DefaultTimeoutSeconds,
		QuestionTimeout:  DefaultTimeoutSeconds,
		MenuTimeout:      DefaultTimeoutSeconds,
		WarningTimeout:   DefaultWarningTimeoutSeconds,
		Action:           ActionWarning,
		MaxWarnings:      &maxWarnings,
		WarningMessage:   DefaultWarningMessage,
		MaxReengagements: DefaultMaxReengagements,
		ReengageMessage:  DefaultReengageMessage,
		EndMessage:       DefaultEndMessage,
		EscalationAction: ActionEnd,
	}
}

// Merge returns s with every non-zero field of override applied on top
func (s InactivitySettings) Merge(override *InactivitySettings) InactivitySettings {
	if override == nil {
		return s
	}
	out := s
	if override.GeneralTimeout > 0 {
		out.GeneralTimeout = override.GeneralTimeout
	}
	if override.QuestionTimeout > 0 {
		out.QuestionTimeout = override.QuestionTimeout
	}
	if override.MenuTimeout > 0 {
		out.MenuTimeout = override.MenuTimeout
	}
	if override.WarningTimeout > 0 {
		out.WarningTimeout = override.WarningTimeout
	}
	if override.Action != "" {
		out.Action = override.Action
	}
	if override.MaxWarnings != nil {
		n := *override.MaxWarnings
		out.MaxWarnings = &n
	}
	if override.WarningMessage != "" {
		out.WarningMessage = override.WarningMessage
	}
	if override.MaxReengagements > 0 {
		out.MaxReengagements = override.MaxReengagements
	}
	if override.ReengageMessage != "" {
		out.ReengageMessage = override.ReengageMessage
	}
	if override.ReengageNodeID != "" {
		out.ReengageNodeID = override.ReengageNodeID
	}
	if override.TransferQueueID != "" {
		out.TransferQueueID = override.TransferQueueID
	}
	if override.EndMessage != "" {
		out.EndMessage = override.EndMessage
	}
	if override.EscalationAction != "" {
		out.EscalationAction = override.EscalationAction
	}
	return out
}

// Resolved fills every unset field of s with the defaults
func (s InactivitySettings) Resolved() InactivitySettings {
	return DefaultInactivitySettings().Merge(&s)
}

// Timeout returns the inactivity timeout for a timeout class
func (s InactivitySettings) Timeout(class TimeoutClass) time.Duration {
	seconds := s.GeneralTimeout
	switch class {
	case TimeoutQuestion:
		seconds = s.QuestionTimeout
	case TimeoutMenu:
		seconds = s.MenuTimeout
	}
	if seconds <= 0 {
		seconds = DefaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// WarningDelay returns the shorter deadline applied after a warning was sent
func (s InactivitySettings) WarningDelay() time.Duration {
	if s.WarningTimeout <= 0 {
		return DefaultWarningTimeoutSeconds * time.Second
	}
	return time.Duration(s.WarningTimeout) * time.Second
}

// WarningLimit returns how many warnings are sent before the action escalates
func (s InactivitySettings) WarningLimit() int {
	if s.MaxWarnings == nil {
		return DefaultMaxWarnings
	}
	return *s.MaxWarnings
}

// Validate checks the inactivity settings for inconsistent values
func (s InactivitySettings) Validate() error {
	for _, v := range []int{s.GeneralTimeout, s.QuestionTimeout, s.MenuTimeout, s.WarningTimeout, s.MaxReengagements} {
		if v < 0 {
			return fmt.Errorf("inactivity values must not be negative")
		}
	}
	if s.MaxWarnings != nil && *s.MaxWarnings < 0 {
		return fmt.Errorf("max_warnings must not be negative")
	}
	if s.Action != "" && !s.Action.valid() {
		return fmt.Errorf("unknown inactivity action %q", s.Action)
	}
	if s.EscalationAction != "" && (!s.EscalationAction.valid() || s.EscalationAction == ActionWarning) {
		return fmt.Errorf("invalid escalation action %q", s.EscalationAction)
	}
	if s.Action == ActionTransfer && s.TransferQueueID == "" {
		return fmt.Errorf("transfer action requires transfer_queue_id")
	}
	if s.EscalationAction == ActionTransfer && s.TransferQueueID == "" {
		return fmt.Errorf("transfer escalation requires transfer_queue_id")
	}
	return nil
}

func (a InactivityAction) valid() bool {
	switch a {
	case ActionWarning, ActionReengage, ActionTransfer, ActionEnd:
		return true
	}
	return false
}
