package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// ResolutionKind classifies what an inbound message does to an execution
type ResolutionKind string

// Resolution kinds
const (
	ResolutionNoOp      ResolutionKind = "noop"
	ResolutionReprompt  ResolutionKind = "reprompt"
	ResolutionResume    ResolutionKind = "resume"
	ResolutionExhausted ResolutionKind = "exhausted"
)

// NoOp reasons
const (
	NoOpFromMe      = "from_me"
	NoOpNotAwaiting = "not_awaiting"
	NoOpDuplicate   = "duplicate"
	NoOpNoContact   = "no_contact"
)

// Resolution is the resume instruction produced for an inbound message
type Resolution struct {
	Kind   ResolutionKind
	Reason string

	// Execution is the awaiting execution as read from the store
	Execution *models.Execution

	// Resume fields
	NextNodeID string
	Branch     string
	Updates    *models.Variables
	Reply      *nodes.Reply
	Reenter    bool
	State      map[string]interface{}

	// Retries is the retry counter after this message
	Retries int

	// FallbackNodeID is taken on exhaustion; empty fails the execution
	FallbackNodeID string

	// Invalid explains why the reply was rejected
	Invalid error
}

// Resolver locates the execution awaiting a contact's reply and validates
// the reply against the expected input
type Resolver struct {
	store  storage.ExecutionStore
	ledger storage.MessageLedger
}

// NewResolver creates a resolver. A nil ledger relies on LastMessageID alone.
func NewResolver(store storage.ExecutionStore, ledger storage.MessageLedger) *Resolver {
	return &Resolver{store: store, ledger: ledger}
}

// Resolve produces the resolution of an inbound message
func (r *Resolver) Resolve(ctx context.Context, msg models.InboundMessage) (Resolution, error) {
	if msg.FromMe {
		return Resolution{Kind: ResolutionNoOp, Reason: NoOpFromMe}, nil
	}
	if msg.TenantID == "" || msg.FromContactID == "" {
		return Resolution{Kind: ResolutionNoOp, Reason: NoOpNoContact}, nil
	}
	if msg.MessageID != "" && r.ledger != nil {
		seen, err := r.ledger.Seen(ctx, msg.TenantID, msg.MessageID)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to check message ledger: %w", err)
		}
		if seen {
			return Resolution{Kind: ResolutionNoOp, Reason: NoOpDuplicate}, nil
		}
	}

	exec, err := r.store.FindAwaiting(ctx, msg.TenantID, msg.FromContactID)
	if errors.Is(err, storage.ErrExecutionNotFound) {
		return Resolution{Kind: ResolutionNoOp, Reason: NoOpNotAwaiting}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to find awaiting execution: %w", err)
	}
	if msg.MessageID != "" && exec.LastMessageID == msg.MessageID {
		return Resolution{Kind: ResolutionNoOp, Reason: NoOpDuplicate, Execution: exec}, nil
	}
	return r.Evaluate(exec, msg), nil
}

// Evaluate validates a reply against an awaiting execution
func (r *Resolver) Evaluate(exec *models.Execution, msg models.InboundMessage) Resolution {
	if !exec.IsAwaiting() {
		return Resolution{Kind: ResolutionNoOp, Reason: NoOpNotAwaiting, Execution: exec}
	}
	awaiting := exec.Awaiting
	input := awaiting.Input

	answer, err := ValidateReply(input, msg)
	if err != nil {
		retries := awaiting.Retries + 1
		if retries > input.MaxRetries {
			return Resolution{
				Kind:           ResolutionExhausted,
				Execution:      exec,
				Retries:        retries,
				FallbackNodeID: input.FallbackNodeID,
				Invalid:        err,
			}
		}
		return Resolution{Kind: ResolutionReprompt, Execution: exec, Retries: retries, Invalid: err}
	}

	reply := &nodes.Reply{
		Body:      msg.Body,
		MediaURL:  msg.MediaURL,
		MediaType: msg.MediaType,
		MessageID: msg.MessageID,
		Value:     answer.Value,
	}
	res := Resolution{
		Kind:      ResolutionResume,
		Execution: exec,
		Reply:     reply,
		Reenter:   input.Reenter,
		State:     input.State,
		Retries:   awaiting.Retries,
	}
	if answer.Option != nil {
		reply.OptionValue = answer.Option.Value
		res.NextNodeID = answer.Option.TargetNodeID
		res.Branch = answer.Option.Value
	}
	if input.NextNodeID != "" && res.NextNodeID == "" {
		res.NextNodeID = input.NextNodeID
	}
	if input.Variable != "" {
		res.Updates = models.NewVariables(nil)
		res.Updates.Set(input.Variable, answer.Value)
	}
	return res
}
