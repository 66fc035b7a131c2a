package nodes

import (
	"context"
	"fmt"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// Termination reasons set by handlers
const (
	ReasonEndNode     = "end_node"
	ReasonHandoff     = "transferred_to_attendant"
	ReasonFlowChained = "continued_in_flow"
)

// configOf returns the typed config of a node
func configOf[T flow.NodeConfig](node *flow.Node) (T, error) {
	cfg, ok := node.Config.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("node %q: unexpected config %T for type %s", node.ID, node.Config, node.Type)
	}
	return cfg, nil
}

func failed(err error) (Result, error) {
	return Result{Outcome: Fail{Err: err}}, nil
}

func handleStart(ctx context.Context, req Request) (Result, error) {
	return Result{Outcome: Continue{}}, nil
}

func handleCondition(ctx context.Context, req Request) (Result, error) {
	return Result{Outcome: Continue{}}, nil
}

func handleMessage(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.MessageConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	msg := req.Message(req.Render(cfg.Text))
	msg.MediaURL = req.Render(cfg.MediaURL)
	return Result{Outcome: Continue{}, Intents: []models.Intent{msg}}, nil
}

func handleInternalMessage(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.InternalMessageConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	msg := req.Message(req.Render(cfg.Text))
	msg.Private = cfg.Private
	return Result{Outcome: Continue{}, Intents: []models.Intent{msg}}, nil
}

func handleEnd(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.EndConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	reason := cfg.Reason
	if reason == "" {
		reason = ReasonEndNode
	}
	var intents []models.Intent
	if cfg.Message != "" {
		intents = append(intents, req.Message(req.Render(cfg.Message)))
	}
	return Result{Outcome: Terminate{Reason: reason}, Intents: intents}, nil
}

func handleInactivityTimeout(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.InactivityTimeoutConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	override := flow.InactivitySettings{}.Merge(&cfg.InactivitySettings)
	return Result{Outcome: Continue{Inactivity: &override}}, nil
}

func handleFlow(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.FlowConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	next := &Continuation{FlowID: cfg.FlowID, StartNodeID: cfg.StartNodeID}
	if cfg.PassVariables {
		next.Variables = req.Execution.Variables.Clone()
	}
	return Result{Outcome: Terminate{Reason: ReasonFlowChained, Continuation: next}}, nil
}

func handleAttendantHandoff(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.AttendantHandoffConfig](req.Node)
	if err != nil {
		return failed(err)
	}

	var intents []models.Intent
	if cfg.Message != "" {
		intents = append(intents, req.Message(req.Render(cfg.Message)))
	}
	reason := req.Render(cfg.Reason)
	if reason == "" {
		reason = ReasonHandoff
	}
	intents = append(intents, models.TransferToQueue{
		TenantID:    req.Execution.TenantID,
		ContactID:   req.Execution.ContactID,
		TicketRef:   req.Execution.TicketRef,
		ExecutionID: req.Execution.ID,
		QueueID:     cfg.QueueID,
		UserID:      cfg.UserID,
		Reason:      reason,
	})
	return Result{Outcome: Terminate{Reason: ReasonHandoff}, Intents: intents}, nil
}
