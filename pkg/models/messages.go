package models

import "time"

// InboundMessage is a message received from a contact
type InboundMessage struct {
	Body          string    `json:"body"`
	FromContactID string    `json:"from_contact_id"`
	FromMe        bool      `json:"from_me"`
	MessageID     string    `json:"message_id"`
	Timestamp     time.Time `json:"timestamp"`
	TenantID      string    `json:"tenant_id"`
	TicketRef     string    `json:"ticket_ref,omitempty"`
	MediaURL      string    `json:"media_url,omitempty"`
	MediaType     string    `json:"media_type,omitempty"`
}

// HasMedia reports whether the message carries an attachment
func (m InboundMessage) HasMedia() bool {
	return m.MediaURL != ""
}

// Intent is a side effect requested by the engine and delivered by a collaborator
type Intent interface {
	// Kind names the intent on the wire
	Kind() string
}

// Intent kinds
const (
	IntentSendMessage     = "send_message"
	IntentTransferToQueue = "transfer_to_queue"
)

// SendMessage asks the messaging collaborator to deliver a message
type SendMessage struct {
	TenantID    string `json:"tenant_id"`
	ContactID   string `json:"contact_id"`
	TicketRef   string `json:"ticket_ref,omitempty"`
	ExecutionID string `json:"execution_id"`
	Body        string `json:"body"`
	MediaURL    string `json:"media_url,omitempty"`

	// Private messages are internal notes visible to attendants only
	Private bool `json:"private,omitempty"`
}

// Kind implements Intent
func (SendMessage) Kind() string { return IntentSendMessage }

// TransferToQueue hands the conversation to a human attendant queue
type TransferToQueue struct {
	TenantID    string `json:"tenant_id"`
	ContactID   string `json:"contact_id"`
	TicketRef   string `json:"ticket_ref,omitempty"`
	ExecutionID string `json:"execution_id"`
	QueueID     string `json:"queue_id"`
	UserID      string `json:"user_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Kind implements Intent
func (TransferToQueue) Kind() string { return IntentTransferToQueue }

// NotificationAction classifies a notification
type NotificationAction string

// Notification actions
const (
	ActionUpdate   NotificationAction = "update"
	ActionForceEnd NotificationAction = "force-end"
	ActionReengage NotificationAction = "reengage"
)

// Notification is emitted to subscribers on every status or inactivity change
type Notification struct {
	ExecutionID      string             `json:"execution_id"`
	TenantID         string             `json:"tenant_id"`
	ContactID        string             `json:"contact_id"`
	FlowID           string             `json:"flow_id"`
	Action           NotificationAction `json:"action"`
	Status           Status             `json:"status"`
	InactivityStatus InactivityStatus   `json:"inactivity_status"`
	Reason           string             `json:"reason,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}

// NewNotification builds a notification from the execution's current state
func NewNotification(e *Execution, action NotificationAction, reason string, now time.Time) Notification {
	return Notification{
		ExecutionID:      e.ID,
		TenantID:         e.TenantID,
		ContactID:        e.ContactID,
		FlowID:           e.FlowID,
		Action:           action,
		Status:           e.Status,
		InactivityStatus: e.InactivityStatus,
		Reason:           reason,
		Timestamp:        now,
	}
}

// ExecutionLog is one audit entry of an execution
type ExecutionLog struct {
	// ExecutionID is the execution the entry belongs to
	ExecutionID string `json:"execution_id"`

	// Timestamp of the log entry
	Timestamp time.Time `json:"timestamp"`

	// NodeID is the node that generated the entry
	NodeID string `json:"node_id,omitempty"`

	// Level of the entry: "info", "warning", "error" or "debug"
	Level string `json:"level"`

	// Event is a short machine readable name, e.g. "node.completed"
	Event string `json:"event"`

	// Message is the human readable text
	Message string `json:"message"`

	// Data is additional context for the entry
	Data map[string]interface{} `json:"data,omitempty"`
}

// ExecutionFilter narrows ListExecutions
type ExecutionFilter struct {
	TenantID         string           `json:"tenant_id"`
	FlowID           string           `json:"flow_id,omitempty"`
	ContactID        string           `json:"contact_id,omitempty"`
	Status           Status           `json:"status,omitempty"`
	InactivityStatus InactivityStatus `json:"inactivity_status,omitempty"`
}

// Matches reports whether an execution satisfies the filter
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.FlowID != "" && e.FlowID != f.FlowID {
		return false
	}
	if f.ContactID != "" && e.ContactID != f.ContactID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.InactivityStatus != "" && e.InactivityStatus != f.InactivityStatus {
		return false
	}
	return true
}

// Pagination bounds a listing
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Default and maximum page sizes
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps the pagination to sane values
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ExecutionPage is one page of a listing, newest first
type ExecutionPage struct {
	Items  []*Execution `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}
