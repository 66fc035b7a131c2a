package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/metrics"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/scripting"
)

// DefaultHandlerTimeout bounds a single handler invocation
const DefaultHandlerTimeout = 30 * time.Second

// Status reasons recorded by the dispatcher
const (
	ReasonFlowCompleted = "flow_completed"
	ReasonNodeFailed    = "node_failed"
)

// Log events recorded by the dispatcher
const (
	EventNodeCompleted  = "node.completed"
	EventNodeSuspended  = "node.suspended"
	EventNodeFailed     = "node.failed"
	EventFallback       = "node.fallback"
	EventFlowCompleted  = "flow.completed"
	EventFlowFailed     = "flow.failed"
	EventConditionError = "edge.condition_error"
	EventInterrupted    = "dispatch.interrupted"
)

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	// HandlerTimeout bounds each handler invocation; zero uses DefaultHandlerTimeout
	HandlerTimeout time.Duration

	// MaxSteps overrides the per-flow step bound when positive
	MaxSteps int

	// Conditions evaluates edge conditions; nil uses the goja evaluator
	Conditions scripting.ConditionEvaluator

	Now     func() time.Time
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Dispatcher runs node handlers and routes between nodes. It never persists
// and never delivers intents.
type Dispatcher struct {
	nodes      *nodes.Registry
	conditions scripting.ConditionEvaluator
	timeout    time.Duration
	maxSteps   int
	now        func() time.Time
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher creates a dispatcher over a node handler registry
func NewDispatcher(registry *nodes.Registry, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		nodes:      registry,
		conditions: opts.Conditions,
		timeout:    opts.HandlerTimeout,
		maxSteps:   opts.MaxSteps,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if d.conditions == nil {
		d.conditions = scripting.NewJSConditionEvaluator()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultHandlerTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = logging.NewNopLogger()
	}
	return d
}

// Resumption continues an execution that was awaiting a reply
type Resumption struct {
	// NextNodeID, when set, is taken without routing
	NextNodeID string

	// Branch selects the outgoing edge labelled with it
	Branch string

	// Updates are merged before routing
	Updates *models.Variables

	// Reenter invokes the suspended node again with Reply and State
	Reenter bool
	Reply   *nodes.Reply
	State   map[string]interface{}
}

// Advance is the input of Dispatcher.Advance
type Advance struct {
	// Execution is not mutated; the dispatcher works on a copy
	Execution *models.Execution

	// Graph is the pinned flow version of the execution
	Graph *flow.Graph

	// StartNodeID is the first node; empty uses Execution.CurrentNodeID
	StartNodeID string

	// Resume is set when StartNodeID is the node the execution was suspended on
	Resume *Resumption

	// Interrupted is polled between steps
	Interrupted func() bool
}

// Step is the result of an Advance
type Step struct {
	// Execution is the advanced copy
	Execution *models.Execution

	// Intents are delivered once Execution was committed
	Intents []models.Intent

	// Logs are the audit entries produced while advancing
	Logs []models.ExecutionLog

	// Continuation is set when the flow handed the contact to another flow
	Continuation *nodes.Continuation

	// Interrupted reports that advancement stopped because of a cancellation
	Interrupted bool

	// Action overrides the notification published after the commit
	Action models.NotificationAction
}

func (s *Step) log(level, nodeID, event, message string, data map[string]interface{}, now time.Time) {
	s.Logs = append(s.Logs, models.ExecutionLog{
		ExecutionID: s.Execution.ID,
		Timestamp:   now,
		NodeID:      nodeID,
		Level:       level,
		Event:       event,
		Message:     message,
		Data:        data,
	})
}

// Advance runs handlers until the execution suspends, terminates or fails
func (d *Dispatcher) Advance(ctx context.Context, a Advance) (Step, error) {
	if a.Execution == nil || a.Graph == nil {
		return Step{}, fmt.Errorf("%w: execution and graph are required", ErrInvalidRequest)
	}
	exec := a.Execution.Clone()
	step := Step{Execution: exec}
	if exec.Status != models.StatusActive {
		return step, &ConflictError{Op: "advance", ExecutionID: exec.ID, Status: exec.Status}
	}

	nodeID := a.StartNodeID
	if nodeID == "" {
		nodeID = exec.CurrentNodeID
	}

	var reply *nodes.Reply
	var state map[string]interface{}
	if r := a.Resume; r != nil {
		exec.Awaiting = nil
		exec.Variables.Merge(r.Updates)
		if r.Reenter {
			reply, state = r.Reply, r.State
		} else {
			next, err := d.route(&step, a.Graph, nodeID, nodes.Continue{NextNodeID: r.NextNodeID, Branch: r.Branch})
			if err != nil {
				d.fail(&step, a.Graph, nodeID, err)
				return step, nil
			}
			if next == "" {
				d.complete(&step, nodeID)
				return step, nil
			}
			nodeID = next
		}
	}

	limit := d.stepLimit(a.Graph)
	for count := 0; ; count++ {
		if a.Interrupted != nil && a.Interrupted() {
			step.Interrupted = true
			step.log("warning", nodeID, EventInterrupted, "advancement stopped by cancellation", nil, d.now())
			return step, nil
		}
		if count >= limit {
			d.fail(&step, a.Graph, nodeID, fmt.Errorf("exceeded %d steps in one dispatch", limit))
			return step, nil
		}

		node, ok := a.Graph.NodeByID(nodeID)
		if !ok {
			d.fail(&step, a.Graph, exec.CurrentNodeID, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
			return step, nil
		}
		exec.CurrentNodeID = node.ID
		exec.StepCount++

		result := d.invoke(ctx, nodes.Request{
			Execution: exec.Clone(),
			Node:      node,
			Graph:     a.Graph,
			Reply:     reply,
			State:     state,
			Now:       d.now(),
		})
		reply, state = nil, nil
		step.Intents = append(step.Intents, result.Intents...)

		switch o := result.Outcome.(type) {
		case nodes.Continue:
			exec.Variables.Merge(o.Updates)
			if o.Inactivity != nil {
				override := exec.InactivityOverride
				merged := flow.InactivitySettings{}.Merge(override).Merge(o.Inactivity)
				exec.InactivityOverride = &merged
			}
			step.log("info", node.ID, EventNodeCompleted, fmt.Sprintf("%s node completed", node.Type), branchData(o.Branch), d.now())

			next, err := d.route(&step, a.Graph, node.ID, o)
			if err != nil {
				d.fail(&step, a.Graph, node.ID, err)
				return step, nil
			}
			if next == "" {
				d.complete(&step, node.ID)
				return step, nil
			}
			nodeID = next

		case nodes.Suspend:
			exec.Variables.Merge(o.Updates)
			input := d.resolveTargets(a.Graph, node.ID, o.Input)
			exec.Awaiting = &models.AwaitingInput{
				NodeID:     node.ID,
				Input:      input,
				PromptedAt: d.now(),
			}
			step.log("info", node.ID, EventNodeSuspended, "awaiting "+string(input.Kind)+" reply", nil, d.now())
			return step, nil

		case nodes.Terminate:
			exec.Finish(models.StatusCompleted, o.Reason, d.now())
			step.Continuation = o.Continuation
			step.log("info", node.ID, EventFlowCompleted, "flow terminated", map[string]interface{}{"reason": o.Reason}, d.now())
			return step, nil

		case nodes.Fail:
			if o.Branch != "" {
				if edge, ok := a.Graph.EdgeByLabel(node.ID, o.Branch); ok {
					step.log("warning", node.ID, EventFallback, errorText(o.Err), map[string]interface{}{"branch": o.Branch, "target": edge.Target}, d.now())
					nodeID = edge.Target
					continue
				}
			}
			d.fail(&step, a.Graph, node.ID, o.Err)
			return step, nil

		default:
			d.fail(&step, a.Graph, node.ID, fmt.Errorf("unexpected outcome %T", result.Outcome))
			return step, nil
		}
	}
}

// Fail moves the execution into the error status without running a handler.
// The apology message is queued as an intent.
func (d *Dispatcher) Fail(exec *models.Execution, graph *flow.Graph, nodeID string, err error) Step {
	step := Step{Execution: exec.Clone()}
	d.fail(&step, graph, nodeID, err)
	return step
}

func (d *Dispatcher) fail(step *Step, graph *flow.Graph, nodeID string, err error) {
	exec := step.Execution
	now := d.now()
	exec.Finish(models.StatusError, ReasonNodeFailed, now)
	exec.ErrorMessage = errorText(err)

	apology := graph.Definition().Settings.EffectiveErrorMessage()
	step.Intents = append(step.Intents, models.SendMessage{
		TenantID:    exec.TenantID,
		ContactID:   exec.ContactID,
		TicketRef:   exec.TicketRef,
		ExecutionID: exec.ID,
		Body:        apology,
	})
	step.log("error", nodeID, EventFlowFailed, exec.ErrorMessage, nil, now)
	d.logger.Error("Execution failed",
		logging.F("execution_id", exec.ID),
		logging.F("flow_id", exec.FlowID),
		logging.F("node_id", nodeID),
		logging.Err(err))
}

func (d *Dispatcher) complete(step *Step, nodeID string) {
	now := d.now()
	step.Execution.Finish(models.StatusCompleted, ReasonFlowCompleted, now)
	step.log("info", nodeID, EventFlowCompleted, "reached a node without outgoing edges", nil, now)
}

// invoke runs a handler, converting errors, panics and empty results into Fail
func (d *Dispatcher) invoke(ctx context.Context, req nodes.Request) (result nodes.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = nodes.Result{Outcome: nodes.Fail{Err: fmt.Errorf("%s handler panicked: %v", req.Node.Type, r)}}
		}
		d.metrics.NodeExecuted(string(req.Node.Type), result.Outcome.Kind(), time.Since(start))
		d.logger.LogNodeExecution(req.Execution.FlowID, req.Execution.ID, req.Node.ID, result.Outcome.Kind(), map[string]interface{}{
			"type":     req.Node.Type,
			"duration": time.Since(start).String(),
		})
	}()

	handler, ok := d.nodes.Get(req.Node.Type)
	if !ok {
		return nodes.Result{Outcome: nodes.Fail{Err: fmt.Errorf("%w: %s", nodes.ErrNoHandler, req.Node.Type)}}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := handler.Handle(callCtx, req)
	if err != nil {
		return nodes.Result{Outcome: nodes.Fail{Err: err}, Intents: res.Intents}
	}
	if res.Outcome == nil {
		return nodes.Result{Outcome: nodes.Fail{Err: errors.New("handler returned no outcome")}}
	}
	return res
}

// route picks the next node: explicit target, labelled branch, first true
// condition, then the default edge. An empty id means the node has no
// outgoing edges.
func (d *Dispatcher) route(step *Step, graph *flow.Graph, nodeID string, next nodes.Continue) (string, error) {
	if next.NextNodeID != "" {
		if _, ok := graph.NodeByID(next.NextNodeID); !ok {
			return "", fmt.Errorf("%w: %s", ErrNodeNotFound, next.NextNodeID)
		}
		return next.NextNodeID, nil
	}
	if next.Branch != "" {
		if edge, ok := graph.EdgeByLabel(nodeID, next.Branch); ok {
			return edge.Target, nil
		}
	}

	edges := graph.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return "", nil
	}

	vars := step.Execution.Variables.Map()
	for _, edge := range edges {
		if edge.Condition == "" {
			continue
		}
		ok, err := d.conditions.Evaluate(edge.Condition, vars)
		if err != nil {
			step.log("warning", nodeID, EventConditionError, err.Error(), map[string]interface{}{"target": edge.Target}, d.now())
			continue
		}
		if ok {
			return edge.Target, nil
		}
	}
	if edge, ok := graph.DefaultEdge(nodeID); ok {
		return edge.Target, nil
	}
	return "", fmt.Errorf("%w from node %s (branch %q)", ErrNoRoute, nodeID, next.Branch)
}

// resolveTargets fills option targets and the exhaustion fallback from the
// outgoing edges of the suspended node
func (d *Dispatcher) resolveTargets(graph *flow.Graph, nodeID string, input models.InputSpec) models.InputSpec {
	options := make([]models.InputOption, len(input.Options))
	copy(options, input.Options)
	for i, opt := range options {
		if opt.TargetNodeID != "" {
			continue
		}
		if edge, ok := graph.EdgeByLabel(nodeID, opt.Value); ok {
			options[i].TargetNodeID = edge.Target
		}
	}
	input.Options = options

	if input.FallbackNodeID == "" {
		for _, label := range []string{flow.LabelInvalid, flow.LabelError} {
			if edge, ok := graph.EdgeByLabel(nodeID, label); ok {
				input.FallbackNodeID = edge.Target
				break
			}
		}
	}
	if input.FallbackNodeID == "" {
		if edge, ok := graph.DefaultEdge(nodeID); ok {
			input.FallbackNodeID = edge.Target
		}
	}
	return input
}

func (d *Dispatcher) stepLimit(graph *flow.Graph) int {
	if d.maxSteps > 0 {
		return d.maxSteps
	}
	return graph.Definition().Settings.EffectiveMaxSteps()
}

func branchData(branch string) map[string]interface{} {
	if branch == "" {
		return nil
	}
	return map[string]interface{}{"branch": branch}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
