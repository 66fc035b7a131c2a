package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/metrics"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// DefaultCommitAttempts bounds compare-and-set retries of one operation
const DefaultCommitAttempts = 5

// maxChainDepth bounds flows continuing into other flows within one call
const maxChainDepth = 8

// Control operations, as reported in conflicts
const (
	OpPause          = "pause"
	OpResume         = "resume"
	OpCancel         = "cancel"
	OpForceEnd       = "force-end"
	OpUpdateVariable = "update variable"
)

// Status reasons recorded by the engine
const (
	ReasonStarted     = "started"
	ReasonPaused      = "paused_by_operator"
	ReasonCanceled    = "canceled_by_operator"
	ReasonForceEnded  = "force_ended_by_operator"
	ReasonContactBusy = "contact_busy"
)

// Log events recorded by the engine
const (
	EventPaused          = "execution.paused"
	EventResumed         = "execution.resumed"
	EventCanceled        = "execution.canceled"
	EventForceEnded      = "execution.force_ended"
	EventVariableUpdated = "execution.variable_updated"
	EventReprompt        = "reply.invalid"
	EventExhausted       = "reply.exhausted"
	EventReplyAccepted   = "reply.accepted"
)

// EngineOptions configures an Engine
type EngineOptions struct {
	// Now returns the current time; nil uses time.Now
	Now func() time.Time

	// NewID generates execution ids; nil uses random UUIDs
	NewID func() string

	// CommitAttempts bounds compare-and-set retries; zero uses DefaultCommitAttempts
	CommitAttempts int

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Engine composes the execution store, the flow source, the dispatcher and
// the resolver into the inbound message path and the control API
type Engine struct {
	store      storage.ExecutionStore
	flows      FlowSource
	dispatcher *Dispatcher
	resolver   *Resolver
	ledger     storage.MessageLedger
	outbox     *Outbox

	now      func() time.Time
	newID    func() string
	attempts int
	logger   logging.Logger
	metrics  *metrics.Metrics

	// running holds one interruption flag per in-flight dispatch, by execution id
	runningMu sync.Mutex
	running   map[string]map[*atomic.Bool]struct{}
}

// NewEngine creates an engine
func NewEngine(store storage.ExecutionStore, flows FlowSource, dispatcher *Dispatcher, ledger storage.MessageLedger, outbox *Outbox, opts EngineOptions) *Engine {
	e := &Engine{
		store:      store,
		flows:      flows,
		dispatcher: dispatcher,
		resolver:   NewResolver(store, ledger),
		ledger:     ledger,
		outbox:     outbox,
		now:        opts.Now,
		newID:      opts.NewID,
		attempts:   opts.CommitAttempts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.attempts <= 0 {
		e.attempts = DefaultCommitAttempts
	}
	if e.logger == nil {
		e.logger = logging.NewNopLogger()
	}
	if e.outbox == nil {
		e.outbox = NewOutbox(store, nil, nil, e.logger, e.metrics)
	}
	return e
}

// Schedule recomputes the inactivity deadline of exec against its pinned graph
func Schedule(exec *models.Execution, graph *flow.Graph) {
	policy := exec.InactivityPolicy(graph.Definition().Settings.Inactivity)
	class := flow.TimeoutGeneral
	if node, ok := graph.NodeByID(exec.CurrentNodeID); ok {
		class = node.Type.TimeoutClass()
	}
	exec.ScheduleInactivity(policy, class)
}

// Execute starts a flow for a contact and advances it until it suspends or ends
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return e.start(ctx, req, models.NewVariables(req.InitialVariables))
}

func (e *Engine) start(ctx context.Context, req ExecuteRequest, vars *models.Variables) (*models.Execution, error) {
	graph, err := e.flows.ActiveGraph(ctx, req.TenantID, req.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", req.FlowID, err)
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	if _, err := e.store.FindAwaiting(ctx, req.TenantID, req.ContactID); err == nil {
		return nil, ErrContactBusy
	} else if !errors.Is(err, storage.ErrExecutionNotFound) {
		return nil, fmt.Errorf("failed to check contact %s: %w", req.ContactID, err)
	}

	startNode := req.StartNodeID
	if startNode == "" {
		startNode = graph.StartNodeID()
	}
	if _, ok := graph.NodeByID(startNode); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, startNode)
	}

	now := e.now()
	exec := &models.Execution{
		ID:                e.newID(),
		FlowID:            req.FlowID,
		FlowVersion:       graph.Definition().Version,
		TenantID:          req.TenantID,
		ContactID:         req.ContactID,
		TicketRef:         req.TicketRef,
		Status:            models.StatusActive,
		StatusReason:      ReasonStarted,
		CurrentNodeID:     startNode,
		Variables:         vars,
		InactivityStatus:  models.InactivityActive,
		LastInteractionAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	Schedule(exec, graph)
	if err := e.store.Create(ctx, exec); err != nil {
		if errors.Is(err, storage.ErrAwaitingConflict) {
			return nil, ErrContactBusy
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.metrics.ExecutionStarted(exec.TenantID, exec.FlowID)
	e.logger.LogFlowExecution(exec.FlowID, exec.ID, "started", map[string]interface{}{
		"tenant_id":  exec.TenantID,
		"contact_id": exec.ContactID,
		"version":    exec.FlowVersion,
	})
	e.outbox.Changed(ctx, nil, exec, ReasonStarted)

	flag := e.track(exec.ID)
	defer e.untrack(exec.ID, flag)

	step, err := e.dispatcher.Advance(ctx, Advance{
		Execution:   exec,
		Graph:       graph,
		StartNodeID: startNode,
		Interrupted: interruptedBy(ctx, flag),
	})
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, exec, graph, step)
}

// settle commits a dispatched step. When another writer won the race the
// step is discarded and the stored execution returned.
func (e *Engine) settle(ctx context.Context, before *models.Execution, graph *flow.Graph, step Step) (*models.Execution, error) {
	if step.Interrupted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return e.GetExecution(ctx, before.ID)
	}
	err := e.commit(ctx, graph, step.Execution)
	switch {
	case err == nil:
		e.apply(ctx, before, step)
		return step.Execution, nil

	case errors.Is(err, storage.ErrVersionConflict):
		e.metrics.VersionConflict("dispatch")
		e.logger.Warn("Discarded dispatch after a concurrent write", logging.F("execution_id", before.ID))
		current, getErr := e.store.Get(ctx, before.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload execution %s: %w", before.ID, getErr)
		}
		return current, nil

	case errors.Is(err, storage.ErrAwaitingConflict):
		lost := step.Execution
		lost.Finish(models.StatusCanceled, ReasonContactBusy, e.now())
		if err := e.commit(ctx, graph, lost); err != nil {
			e.logger.Error("Failed to cancel execution that lost the contact", logging.F("execution_id", lost.ID), logging.Err(err))
		} else {
			e.apply(ctx, before, Step{Execution: lost, Logs: step.Logs})
		}
		return nil, ErrContactBusy

	default:
		return nil, fmt.Errorf("failed to commit execution %s: %w", before.ID, err)
	}
}

// CommitStep writes a step produced outside the engine, such as an inactivity
// action, and applies its side effects. Version conflicts are returned as is
// so the caller can discard its work.
func (e *Engine) CommitStep(ctx context.Context, before *models.Execution, graph *flow.Graph, step Step) error {
	if step.Interrupted {
		return fmt.Errorf("step of execution %s was interrupted: %w", before.ID, storage.ErrVersionConflict)
	}
	if err := e.commit(ctx, graph, step.Execution); err != nil {
		return err
	}
	e.apply(ctx, before, step)
	return nil
}

func (e *Engine) commit(ctx context.Context, graph *flow.Graph, exec *models.Execution) error {
	exec.UpdatedAt = e.now()
	Schedule(exec, graph)
	return e.store.Update(ctx, exec)
}

// apply runs the side effects of a committed step
func (e *Engine) apply(ctx context.Context, before *models.Execution, step Step) {
	after := step.Execution
	e.outbox.Record(ctx, step.Logs)
	e.outbox.Deliver(ctx, step.Intents)
	if step.Action != "" {
		e.outbox.Notify(ctx, models.NewNotification(after, step.Action, after.StatusReason, after.UpdatedAt))
	} else {
		e.outbox.Changed(ctx, before, after, after.StatusReason)
	}

	if after.Status.IsTerminal() && (before == nil || !before.Status.IsTerminal()) {
		e.metrics.ExecutionFinished(after.TenantID, string(after.Status))
		e.logger.LogFlowExecution(after.FlowID, after.ID, string(after.Status), map[string]interface{}{
			"reason": after.StatusReason,
			"steps":  after.StepCount,
		})
	}
	if step.Continuation != nil {
		e.chain(ctx, after, step.Continuation)
	}
}

type chainDepthKey struct{}

func (e *Engine) chain(ctx context.Context, from *models.Execution, c *nodes.Continuation) {
	depth, _ := ctx.Value(chainDepthKey{}).(int)
	if depth >= maxChainDepth {
		e.logger.Warn("Flow continuation chain too deep", logging.F("execution_id", from.ID), logging.F("flow_id", c.FlowID))
		return
	}
	vars := c.Variables
	if vars == nil {
		vars = models.NewVariables(nil)
	}
	req := ExecuteRequest{
		TenantID:    from.TenantID,
		FlowID:      c.FlowID,
		ContactID:   from.ContactID,
		TicketRef:   from.TicketRef,
		StartNodeID: c.StartNodeID,
	}
	next, err := e.start(context.WithValue(ctx, chainDepthKey{}, depth+1), req, vars)
	if err != nil {
		e.logger.Error("Failed to continue in flow",
			logging.F("execution_id", from.ID),
			logging.F("flow_id", c.FlowID),
			logging.Err(err))
		return
	}
	e.logger.Info("Continued in flow",
		logging.F("execution_id", from.ID),
		logging.F("next_execution_id", next.ID),
		logging.F("flow_id", c.FlowID))
}

// HandleInbound applies an inbound contact message to the execution awaiting
// it. Compare-and-set conflicts re-resolve the message, so a reply always
// wins over a concurrent inactivity sweep.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) (InboundResult, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		res, err := e.resolver.Resolve(ctx, msg)
		if err != nil {
			return InboundResult{}, err
		}
		if res.Kind == ResolutionNoOp {
			e.metrics.InboundMessage(string(ResolutionNoOp))
			return InboundResult{Resolution: ResolutionNoOp, Reason: res.Reason, Execution: res.Execution}, nil
		}

		exec := res.Execution
		graph, err := e.flows.Graph(ctx, exec.TenantID, exec.FlowID, exec.FlowVersion)
		if err != nil {
			return InboundResult{}, fmt.Errorf("failed to load flow %s version %d: %w", exec.FlowID, exec.FlowVersion, err)
		}

		step, err := e.inboundStep(ctx, res, graph, msg)
		if err != nil {
			return InboundResult{}, err
		}
		if step.Interrupted {
			if err := ctx.Err(); err != nil {
				return InboundResult{}, err
			}
			continue
		}

		err = e.commit(ctx, graph, step.Execution)
		if errors.Is(err, storage.ErrVersionConflict) {
			e.metrics.VersionConflict("inbound")
			continue
		}
		if errors.Is(err, storage.ErrAwaitingConflict) {
			return InboundResult{}, ErrContactBusy
		}
		if err != nil {
			return InboundResult{}, fmt.Errorf("failed to commit execution %s: %w", exec.ID, err)
		}

		e.apply(ctx, exec, step)
		if exec.ReengagementAttempts > 0 && exec.LastReengagementSuccess == nil {
			e.metrics.Reengagement(true)
		}
		if msg.MessageID != "" && e.ledger != nil {
			if err := e.ledger.Remember(ctx, msg.TenantID, msg.MessageID); err != nil {
				e.logger.Warn("Failed to record message in ledger", logging.F("message_id", msg.MessageID), logging.Err(err))
			}
		}
		e.metrics.InboundMessage(string(res.Kind))
		return InboundResult{Resolution: res.Kind, Execution: step.Execution}, nil
	}
	return InboundResult{}, fmt.Errorf("failed to apply message %s after %d attempts: %w", msg.MessageID, e.attempts, storage.ErrVersionConflict)
}

func (e *Engine) inboundStep(ctx context.Context, res Resolution, graph *flow.Graph, msg models.InboundMessage) (Step, error) {
	now := e.now()
	base := res.Execution.Clone()
	base.ResetInactivity(now)
	base.LastMessageID = msg.MessageID
	if base.ReengagementAttempts > 0 {
		if base.LastReengagementSuccess == nil {
			success := true
			base.LastReengagementSuccess = &success
		}
		// the next stall starts with the full reengagement budget
		base.ReengagementAttempts = 0
	}
	nodeID := base.Awaiting.NodeID

	flag := e.track(base.ID)
	defer e.untrack(base.ID, flag)

	switch res.Kind {
	case ResolutionReprompt:
		base.Awaiting.Retries = res.Retries
		base.Awaiting.PromptedAt = now
		step := Step{Execution: base}

		input := base.Awaiting.Input
		invalid := input.InvalidMessage
		if invalid == "" {
			invalid = nodes.DefaultInvalidMessage
		}
		step.Intents = append(step.Intents, e.message(base, invalid))
		if input.Prompt != "" {
			step.Intents = append(step.Intents, e.message(base, input.Prompt))
		}
		step.log("info", nodeID, EventReprompt, errorText(res.Invalid), map[string]interface{}{"retries": res.Retries}, now)
		return step, nil

	case ResolutionResume:
		step, err := e.dispatcher.Advance(ctx, Advance{
			Execution:   base,
			Graph:       graph,
			StartNodeID: nodeID,
			Resume: &Resumption{
				NextNodeID: res.NextNodeID,
				Branch:     res.Branch,
				Updates:    res.Updates,
				Reenter:    res.Reenter,
				Reply:      res.Reply,
				State:      res.State,
			},
			Interrupted: interruptedBy(ctx, flag),
		})
		if err != nil {
			return Step{}, err
		}
		step.Logs = append([]models.ExecutionLog{{
			ExecutionID: base.ID,
			Timestamp:   now,
			NodeID:      nodeID,
			Level:       "info",
			Event:       EventReplyAccepted,
			Message:     "reply accepted",
			Data:        map[string]interface{}{"message_id": msg.MessageID},
		}}, step.Logs...)
		return step, nil

	case ResolutionExhausted:
		if res.FallbackNodeID == "" {
			return e.dispatcher.Fail(base, graph, nodeID, fmt.Errorf("retries exhausted on node %s: %w", nodeID, res.Invalid)), nil
		}
		base.Awaiting = nil
		step, err := e.dispatcher.Advance(ctx, Advance{
			Execution:   base,
			Graph:       graph,
			StartNodeID: res.FallbackNodeID,
			Interrupted: interruptedBy(ctx, flag),
		})
		if err != nil {
			return Step{}, err
		}
		step.Logs = append([]models.ExecutionLog{{
			ExecutionID: base.ID,
			Timestamp:   now,
			NodeID:      nodeID,
			Level:       "warning",
			Event:       EventExhausted,
			Message:     errorText(res.Invalid),
			Data:        map[string]interface{}{"fallback": res.FallbackNodeID, "retries": res.Retries},
		}}, step.Logs...)
		return step, nil
	}
	return Step{}, fmt.Errorf("unexpected resolution %s", res.Kind)
}

func (e *Engine) message(exec *models.Execution, body string) models.SendMessage {
	return models.SendMessage{
		TenantID:    exec.TenantID,
		ContactID:   exec.ContactID,
		TicketRef:   exec.TicketRef,
		ExecutionID: exec.ID,
		Body:        body,
	}
}

// mutate applies a control operation with compare-and-set retries. fn
// receives a private copy of the stored execution.
func (e *Engine) mutate(ctx context.Context, id string, fn func(exec *models.Execution, graph *flow.Graph) (Step, error)) (*models.Execution, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		current, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
		}
		graph, err := e.flows.Graph(ctx, current.TenantID, current.FlowID, current.FlowVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow %s version %d: %w", current.FlowID, current.FlowVersion, err)
		}

		step, err := fn(current.Clone(), graph)
		if err != nil {
			return nil, err
		}
		if step.Interrupted {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}

		err = e.commit(ctx, graph, step.Execution)
		if errors.Is(err, storage.ErrVersionConflict) {
			e.metrics.VersionConflict("control")
			continue
		}
		if errors.Is(err, storage.ErrAwaitingConflict) {
			return nil, ErrContactBusy
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update execution %s: %w", id, err)
		}
		e.apply(ctx, current, step)
		return step.Execution, nil
	}
	return nil, fmt.Errorf("failed to update execution %s: %w", id, storage.ErrVersionConflict)
}

// Pause suspends an active execution; it is excluded from inactivity handling
// until resumed
func (e *Engine) Pause(ctx context.Context, id, reason string) (*models.Execution, error) {
	if reason == "" {
		reason = ReasonPaused
	}
	inflight := e.inflight(id)
	exec, err := e.mutate(ctx, id, func(exec *models.Execution, graph *flow.Graph) (Step, error) {
		if exec.Status != models.StatusActive {
			return Step{}, &ConflictError{Op: OpPause, ExecutionID: id, Status: exec.Status}
		}
		exec.Status = models.StatusPaused
		exec.StatusReason = reason
		exec.Awaiting = nil
		exec.InactivityStatus = models.InactivityInactive

		step := Step{Execution: exec}
		step.log("info", exec.CurrentNodeID, EventPaused, reason, nil, e.now())
		return step, nil
	})
	if err == nil {
		interrupt(inflight)
	}
	return exec, err
}

// Resume re-enters a paused execution at its current node, or at nextNodeID
// when given, after applying the variable overrides
func (e *Engine) Resume(ctx context.Context, id, nextNodeID string, overrides map[string]interface{}) (*models.Execution, error) {
	flag := e.track(id)
	defer e.untrack(id, flag)

	return e.mutate(ctx, id, func(exec *models.Execution, graph *flow.Graph) (Step, error) {
		if exec.Status != models.StatusPaused {
			return Step{}, &ConflictError{Op: OpResume, ExecutionID: id, Status: exec.Status}
		}
		start := nextNodeID
		if start == "" {
			start = exec.CurrentNodeID
		}
		if _, ok := graph.NodeByID(start); !ok {
			return Step{}, fmt.Errorf("%w: %s", ErrNodeNotFound, start)
		}

		exec.Status = models.StatusActive
		exec.StatusReason = ""
		exec.ResetInactivity(e.now())

		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			exec.Variables.Set(k, overrides[k])
		}

		step, err := e.dispatcher.Advance(ctx, Advance{
			Execution:   exec,
			Graph:       graph,
			StartNodeID: start,
			Interrupted: interruptedBy(ctx, flag),
		})
		if err != nil {
			return Step{}, err
		}
		step.Logs = append([]models.ExecutionLog{{
			ExecutionID: id,
			Timestamp:   e.now(),
			NodeID:      start,
			Level:       "info",
			Event:       EventResumed,
			Message:     "resumed by operator",
			Data:        map[string]interface{}{"overrides": keys},
		}}, step.Logs...)
		return step, nil
	})
}

// Cancel aborts an active or paused execution
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*models.Execution, error) {
	if reason == "" {
		reason = ReasonCanceled
	}
	inflight := e.inflight(id)
	exec, err := e.mutate(ctx, id, func(exec *models.Execution, graph *flow.Graph) (Step, error) {
		if exec.Status != models.StatusActive && exec.Status != models.StatusPaused {
			return Step{}, &ConflictError{Op: OpCancel, ExecutionID: id, Status: exec.Status}
		}
		exec.Finish(models.StatusCanceled, reason, e.now())

		step := Step{Execution: exec}
		step.log("info", exec.CurrentNodeID, EventCanceled, reason, nil, e.now())
		return step, nil
	})
	if err == nil {
		interrupt(inflight)
	}
	return exec, err
}

// ForceEnd completes an active or paused execution and tells the contact
// that the automated conversation ended
func (e *Engine) ForceEnd(ctx context.Context, id, reason string) (*models.Execution, error) {
	if reason == "" {
		reason = ReasonForceEnded
	}
	inflight := e.inflight(id)
	exec, err := e.mutate(ctx, id, func(exec *models.Execution, graph *flow.Graph) (Step, error) {
		if exec.Status != models.StatusActive && exec.Status != models.StatusPaused {
			return Step{}, &ConflictError{Op: OpForceEnd, ExecutionID: id, Status: exec.Status}
		}
		exec.Finish(models.StatusCompleted, reason, e.now())
		exec.InactivityReason = reason

		step := Step{Execution: exec, Action: models.ActionForceEnd}
		step.Intents = append(step.Intents, e.message(exec, graph.Definition().Settings.EffectiveForceEndMessage()))
		step.log("info", exec.CurrentNodeID, EventForceEnded, reason, nil, e.now())
		return step, nil
	})
	if err == nil {
		interrupt(inflight)
	}
	return exec, err
}

// UpdateVariable sets one variable of a non-terminal execution
func (e *Engine) UpdateVariable(ctx context.Context, id, key string, value interface{}) (*models.Execution, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: variable key is required", ErrInvalidRequest)
	}
	return e.mutate(ctx, id, func(exec *models.Execution, graph *flow.Graph) (Step, error) {
		if exec.Status.IsTerminal() {
			return Step{}, &ConflictError{Op: OpUpdateVariable, ExecutionID: id, Status: exec.Status}
		}
		exec.Variables.Set(key, value)

		step := Step{Execution: exec}
		step.log("info", exec.CurrentNodeID, EventVariableUpdated, key, nil, e.now())
		return step, nil
	})
}

// GetExecution returns an execution
func (e *Engine) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions returns a page of executions matching the filter
func (e *Engine) ListExecutions(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error) {
	result, err := e.store.List(ctx, filter, page)
	if err != nil {
		return models.ExecutionPage{}, fmt.Errorf("failed to list executions: %w", err)
	}
	return result, nil
}

// ExecutionLogs returns the audit trail of an execution
func (e *Engine) ExecutionLogs(ctx context.Context, id string) ([]models.ExecutionLog, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	logs, err := e.store.GetLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs of execution %s: %w", id, err)
	}
	return logs, nil
}

// track registers a fresh interruption flag for a dispatch of id. Flags set
// by earlier interrupts never leak into later dispatches.
func (e *Engine) track(id string) *atomic.Bool {
	flag := new(atomic.Bool)
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	if e.running == nil {
		e.running = make(map[string]map[*atomic.Bool]struct{})
	}
	flags := e.running[id]
	if flags == nil {
		flags = make(map[*atomic.Bool]struct{})
		e.running[id] = flags
	}
	flags[flag] = struct{}{}
	return flag
}

func (e *Engine) untrack(id string, flag *atomic.Bool) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	flags := e.running[id]
	delete(flags, flag)
	if len(flags) == 0 {
		delete(e.running, id)
	}
}

// inflight returns the flags of the dispatches of id running now
func (e *Engine) inflight(id string) []*atomic.Bool {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	flags := make([]*atomic.Bool, 0, len(e.running[id]))
	for flag := range e.running[id] {
		flags = append(flags, flag)
	}
	return flags
}

// interrupt stops further advancement of the given dispatches. Dispatches
// that start later read the new status and need no flag.
func interrupt(flags []*atomic.Bool) {
	for _, flag := range flags {
		flag.Store(true)
	}
}

func interruptedBy(ctx context.Context, flag *atomic.Bool) func() bool {
	return func() bool {
		return flag.Load() || ctx.Err() != nil
	}
}
