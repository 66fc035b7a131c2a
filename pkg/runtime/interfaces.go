// Package runtime advances executions through flow graphs: the node
// dispatcher, the response resolver and the engine exposing the control API.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/storage"
)

var (
	// ErrExecutionNotFound is returned when an execution does not exist
	ErrExecutionNotFound = storage.ErrExecutionNotFound

	// ErrConflict matches every *ConflictError
	ErrConflict = errors.New("operation conflicts with execution status")

	// ErrContactBusy is returned when the contact already has an execution awaiting a reply
	ErrContactBusy = errors.New("contact already has an execution awaiting a reply")

	// ErrNodeNotFound is returned when a node id does not exist in the pinned flow version
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoRoute is returned when a node has outgoing edges but none applies
	ErrNoRoute = errors.New("no outgoing edge applies")

	// ErrInvalidRequest is returned for malformed control requests
	ErrInvalidRequest = errors.New("invalid request")
)

// ConflictError reports an operation attempted on an execution in the wrong status
type ConflictError struct {
	Op          string
	ExecutionID string
	Status      models.Status
}

// Error implements error
func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s execution %s in status %s", e.Op, e.ExecutionID, e.Status)
}

// Is makes errors.Is(err, ErrConflict) match
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// FlowSource resolves the graphs executions run against
type FlowSource interface {
	// Graph returns a pinned flow version
	Graph(ctx context.Context, tenantID, flowID string, version int) (*flow.Graph, error)

	// ActiveGraph returns the version new executions start with
	ActiveGraph(ctx context.Context, tenantID, flowID string) (*flow.Graph, error)
}

// Messenger delivers side-effect intents to the messaging collaborator
type Messenger interface {
	Deliver(ctx context.Context, intent models.Intent) error
}

// Notifier publishes execution notifications to external subscribers
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// ExecuteRequest starts a flow for a contact
type ExecuteRequest struct {
	TenantID         string                 `json:"tenant_id"`
	FlowID           string                 `json:"flow_id"`
	ContactID        string                 `json:"contact_id"`
	TicketRef        string                 `json:"ticket_ref,omitempty"`
	StartNodeID      string                 `json:"start_node_id,omitempty"`
	InitialVariables map[string]interface{} `json:"initial_variables,omitempty"`
}

// Validate checks the required fields
func (r ExecuteRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case r.FlowID == "":
		return fmt.Errorf("%w: flow_id is required", ErrInvalidRequest)
	case r.ContactID == "":
		return fmt.Errorf("%w: contact_id is required", ErrInvalidRequest)
	}
	return nil
}

// InboundResult reports how an inbound message was handled
type InboundResult struct {
	Resolution ResolutionKind    `json:"resolution"`
	Reason     string            `json:"reason,omitempty"`
	Execution  *models.Execution `json:"execution,omitempty"`
}
