// Package nodes implements the handlers behind every flow node type.
//
// Handlers never touch persistence. They receive a snapshot of the execution
// and return an Outcome plus the side-effect intents the engine delivers
// after the execution record was committed.
package nodes

import (
	"context"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// Reply is a validated contact answer handed to a node that suspended with
// InputSpec.Reenter set
type Reply struct {
	Body        string      `json:"body"`
	MediaURL    string      `json:"media_url,omitempty"`
	MediaType   string      `json:"media_type,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	OptionValue string      `json:"option_value,omitempty"`
	Value       interface{} `json:"value,omitempty"`
}

// Request is the input of a handler invocation
type Request struct {
	// Execution is a private snapshot; mutating it has no effect
	Execution *models.Execution

	// Node is the node being executed
	Node *flow.Node

	// Graph is the pinned flow version
	Graph *flow.Graph

	// Reply is set when the node is re-entered with a contact answer
	Reply *Reply

	// State is the InputSpec.State the node suspended with, on re-entry
	State map[string]interface{}

	// Now is the dispatch time
	Now time.Time
}

// Vars returns the execution variables as a plain map for templates and conditions
func (r Request) Vars() map[string]interface{} {
	return r.Execution.Variables.Map()
}

// Render interpolates {{var}} placeholders with the execution variables
func (r Request) Render(text string) string {
	if text == "" {
		return ""
	}
	return utils.MustProcessTemplate(text, r.Vars())
}

// Message builds a SendMessage intent addressed to the execution's contact
func (r Request) Message(body string) models.SendMessage {
	return models.SendMessage{
		TenantID:    r.Execution.TenantID,
		ContactID:   r.Execution.ContactID,
		TicketRef:   r.Execution.TicketRef,
		ExecutionID: r.Execution.ID,
		Body:        body,
	}
}

// Result is the output of a handler invocation
type Result struct {
	Outcome Outcome
	Intents []models.Intent
}

// Outcome is one of Continue, Suspend, Terminate or Fail
type Outcome interface {
	// Kind names the outcome for logs and metrics
	Kind() string
}

// Outcome kinds
const (
	KindContinue  = "continue"
	KindSuspend   = "suspend"
	KindTerminate = "terminate"
	KindFail      = "fail"
)

// Continue advances immediately. Routing tries NextNodeID, then the edge
// labelled Branch, then edge conditions, then the default edge.
type Continue struct {
	NextNodeID string
	Branch     string
	Updates    *models.Variables

	// Inactivity overrides the inactivity policy for the rest of the execution
	Inactivity *flow.InactivitySettings
}

// Kind implements Outcome
func (Continue) Kind() string { return KindContinue }

// Suspend stops advancing until the contact answers
type Suspend struct {
	Input   models.InputSpec
	Updates *models.Variables
}

// Kind implements Outcome
func (Suspend) Kind() string { return KindSuspend }

// Terminate completes the execution
type Terminate struct {
	Reason       string
	Continuation *Continuation
}

// Kind implements Outcome
func (Terminate) Kind() string { return KindTerminate }

// Continuation starts another flow for the same contact once this one completed
type Continuation struct {
	FlowID      string
	StartNodeID string
	Variables   *models.Variables
}

// Fail reports an unrecoverable handler error. When the node has an outgoing
// edge labelled Branch the execution follows it instead of failing.
type Fail struct {
	Err    error
	Branch string
}

// Kind implements Outcome
func (Fail) Kind() string { return KindFail }

// Handler executes one node type
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// HTTPDoer performs outbound HTTP calls for the api and webhook nodes
type HTTPDoer interface {
	Do(ctx context.Context, req *utils.HTTPRequest) (*utils.HTTPResponse, error)
}

// Query result modes are flow.QueryOne, flow.QueryMany and flow.QueryExec.

// QueryRunner runs parameterized queries against tenant scoped connections
type QueryRunner interface {
	// Query returns a map for QueryOne (nil when no row matched), a slice of
	// maps for QueryMany and the affected row count for QueryExec
	Query(ctx context.Context, tenantID, connection, mode, query string, args ...interface{}) (interface{}, error)
}

// AIMessage is one turn of an assistant conversation
type AIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIRequest asks the assistant for the next answer
type AIRequest struct {
	TenantID     string
	Model        string
	SystemPrompt string
	Messages     []AIMessage
}

// AIClient produces assistant answers
type AIClient interface {
	Complete(ctx context.Context, req AIRequest) (string, error)
}

// Slot is a bookable appointment slot
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	Label string    `json:"label"`
}

// Booking is a confirmed appointment
type Booking struct {
	ID     string    `json:"id"`
	SlotID string    `json:"slot_id"`
	Start  time.Time `json:"start"`
}

// BookingRequest reserves a slot for a contact
type BookingRequest struct {
	TenantID  string
	ServiceID string
	SlotID    string
	ContactID string
}

// AppointmentService lists and books appointment slots
type AppointmentService interface {
	AvailableSlots(ctx context.Context, tenantID, serviceID string, limit int) ([]Slot, error)
	Book(ctx context.Context, req BookingRequest) (Booking, error)
}

// Dependencies are the collaborators handlers delegate external work to.
// Nil collaborators make the corresponding node types fail at run time.
type Dependencies struct {
	HTTP         HTTPDoer
	Queries      QueryRunner
	AI           AIClient
	Appointments AppointmentService

	// DefaultAIModel is used when an aiAssistant node does not name a model
	DefaultAIModel string
}
