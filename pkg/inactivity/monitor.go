// Package inactivity drives the inactivity lifecycle of executions: warnings,
// reengagement, transfer to an attendant and forced termination.
//
// The monitor never holds executions in memory between sweeps. Deadlines are
// persisted on every commit, so a restarted process picks up where the
// previous one stopped.
package inactivity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/metrics"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/runtime"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// Defaults
const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
)

// Actions reported by the monitor, in addition to the flow.InactivityAction values
const (
	ActionNone      = "none"
	ActionTimeout   = "timeout"
	ActionDiscarded = "discarded"
)

// Status reasons recorded by the monitor
const (
	ReasonInactivityEnd      = "inactivity_timeout"
	ReasonInactivityTransfer = "inactivity_transfer"
)

// Log events recorded by the monitor
const (
	EventWarning    = "inactivity.warning"
	EventReengage   = "inactivity.reengage"
	EventTimeout    = "inactivity.timeout_route"
	EventTransfer   = "inactivity.transfer"
	EventEnd        = "inactivity.end"
	EventReengageKO = "inactivity.reengagement_failed"
)

// Committer writes a step and applies its side effects. *runtime.Engine
// implements it.
type Committer interface {
	CommitStep(ctx context.Context, before *models.Execution, graph *flow.Graph, step runtime.Step) error
}

// Options configures a Monitor
type Options struct {
	// Interval between scheduled sweeps; zero uses DefaultInterval
	Interval time.Duration

	// BatchSize bounds the executions handled by one sweep; zero uses DefaultBatchSize
	BatchSize int

	Now     func() time.Time
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Due       int            `json:"due"`
	Actions   map[string]int `json:"actions"`
	Failed    int            `json:"failed"`
	Skipped   bool           `json:"skipped,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// Monitor applies the inactivity policy of executions past their deadline
type Monitor struct {
	store      storage.ExecutionStore
	flows      runtime.FlowSource
	dispatcher *runtime.Dispatcher
	committer  Committer

	interval time.Duration
	batch    int
	now      func() time.Time
	logger   logging.Logger
	metrics  *metrics.Metrics

	sweeping atomic.Bool
}

// NewMonitor creates a monitor
func NewMonitor(store storage.ExecutionStore, flows runtime.FlowSource, dispatcher *runtime.Dispatcher, committer Committer, opts Options) *Monitor {
	m := &Monitor{
		store:      store,
		flows:      flows,
		dispatcher: dispatcher,
		committer:  committer,
		interval:   opts.Interval,
		batch:      opts.BatchSize,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.batch <= 0 {
		m.batch = DefaultBatchSize
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	return m
}

// Start schedules sweeps every interval until ctx is canceled
func (m *Monitor) Start(ctx context.Context) error {
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error("Inactivity sweep failed", logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule inactivity sweep: %w", err)
	}
	scheduler.Start()
	m.logger.LogSystemEvent("inactivity_monitor_started", map[string]interface{}{
		"interval":   m.interval.String(),
		"batch_size": m.batch,
	})

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
		m.logger.LogSystemEvent("inactivity_monitor_stopped", nil)
	}()
	return nil
}

// Sweep handles one batch of executions past their deadline. A sweep that
// starts while another one runs returns immediately with Skipped set.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	now := m.now()
	result := SweepResult{Actions: make(map[string]int), StartedAt: now}
	if !m.sweeping.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer m.sweeping.Store(false)

	started := time.Now()
	due, err := m.store.FindDue(ctx, now, m.batch)
	if err != nil {
		return result, fmt.Errorf("failed to find due executions: %w", err)
	}
	result.Due = len(due)

	for _, exec := range due {
		if ctx.Err() != nil {
			break
		}
		action, err := m.handle(ctx, exec, now)
		if err != nil {
			result.Failed++
			m.logger.Error("Failed to apply inactivity policy",
				logging.F("execution_id", exec.ID),
				logging.Err(err))
			continue
		}
		result.Actions[action]++
	}

	m.metrics.SweepCompleted(len(due), time.Since(started))
	if len(due) > 0 {
		m.logger.Info("Inactivity sweep completed",
			logging.F("due", len(due)),
			logging.F("actions", result.Actions),
			logging.F("failed", result.Failed))
	}
	return result, ctx.Err()
}

// Check applies the inactivity policy to a single execution when it is due
func (m *Monitor) Check(ctx context.Context, id string) (string, error) {
	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return m.handle(ctx, exec, m.now())
}

func isDue(exec *models.Execution, now time.Time) bool {
	return exec.Status == models.StatusActive && exec.InactivityDeadline != nil && !exec.InactivityDeadline.After(now)
}

// handle decides and commits the action of one execution. A concurrent write
// discards the action.
func (m *Monitor) handle(ctx context.Context, exec *models.Execution, now time.Time) (string, error) {
	if !isDue(exec, now) {
		return ActionNone, nil
	}
	graph, err := m.flows.Graph(ctx, exec.TenantID, exec.FlowID, exec.FlowVersion)
	if err != nil {
		return "", fmt.Errorf("failed to load flow %s version %d: %w", exec.FlowID, exec.FlowVersion, err)
	}
	policy := exec.InactivityPolicy(graph.Definition().Settings.Inactivity)
	unanswered := reengagementUnanswered(exec, policy)

	step, action, err := m.decide(ctx, exec, graph, policy, now)
	if err != nil {
		return "", err
	}

	err = m.committer.CommitStep(ctx, exec, graph, step)
	switch {
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrAwaitingConflict):
		m.metrics.VersionConflict("inactivity")
		m.logger.Debug("Discarded inactivity action after a concurrent write",
			logging.F("execution_id", exec.ID),
			logging.F("action", action))
		return ActionDiscarded, nil
	case err != nil:
		return "", fmt.Errorf("failed to commit inactivity action: %w", err)
	}

	m.metrics.InactivityAction(action)
	if unanswered {
		m.metrics.Reengagement(false)
	}
	m.logger.LogFlowExecution(exec.FlowID, exec.ID, "inactivity_"+action, map[string]interface{}{
		"node_id":       exec.CurrentNodeID,
		"warnings_sent": step.Execution.InactivityWarningsSent,
		"status":        step.Execution.Status,
	})
	return action, nil
}

// decide builds the step for the next inactivity action: warnings first, then
// a timeout edge of the current node, then the terminal policy
func (m *Monitor) decide(ctx context.Context, current *models.Execution, graph *flow.Graph, policy flow.InactivitySettings, now time.Time) (runtime.Step, string, error) {
	exec := current.Clone()

	if exec.InactivityWarningsSent < policy.WarningLimit() {
		return m.warn(exec, policy, now), string(flow.ActionWarning), nil
	}

	var pre []models.ExecutionLog
	if reengagementUnanswered(exec, policy) {
		failed := false
		exec.LastReengagementSuccess = &failed
		pre = append(pre, entry(exec, "warning", EventReengageKO, "no reply after reengagement", now))
	}

	if edge, ok := graph.EdgeByLabel(exec.CurrentNodeID, flow.LabelTimeout); ok {
		step, err := m.follow(ctx, exec, graph, edge.Target, now)
		if err != nil {
			return runtime.Step{}, "", err
		}
		step.Logs = append(append(pre, entry(exec, "info", EventTimeout, "following timeout edge to "+edge.Target, now)), step.Logs...)
		return step, ActionTimeout, nil
	}

	action := policy.Action
	if action == flow.ActionWarning {
		action = policy.EscalationAction
	}
	if action == flow.ActionReengage {
		if exec.ReengagementAttempts < policy.MaxReengagements {
			step, err := m.reengage(ctx, exec, graph, policy, now)
			if err != nil {
				return runtime.Step{}, "", err
			}
			step.Logs = append(pre, step.Logs...)
			return step, string(flow.ActionReengage), nil
		}
		action = policy.EscalationAction
	}

	var step runtime.Step
	if action == flow.ActionTransfer && policy.TransferQueueID != "" {
		step = m.transfer(exec, policy, now)
	} else {
		action = flow.ActionEnd
		step = m.end(exec, policy, now)
	}
	step.Logs = append(pre, step.Logs...)
	return step, string(action), nil
}

// reengagementUnanswered reports that the last reengagement got no reply
// before the execution came due past its warnings again
func reengagementUnanswered(exec *models.Execution, policy flow.InactivitySettings) bool {
	return exec.ReengagementAttempts > 0 && exec.LastReengagementSuccess == nil &&
		exec.InactivityWarningsSent >= policy.WarningLimit()
}

func (m *Monitor) warn(exec *models.Execution, policy flow.InactivitySettings, now time.Time) runtime.Step {
	exec.InactivityStatus = models.InactivityWarning
	exec.InactivityWarningsSent++
	exec.LastWarningAt = &now

	return runtime.Step{
		Execution: exec,
		Intents:   []models.Intent{message(exec, policy.WarningMessage)},
		Logs: []models.ExecutionLog{
			entry(exec, "info", EventWarning, fmt.Sprintf("warning %d of %d sent", exec.InactivityWarningsSent, policy.WarningLimit()), now),
		},
	}
}

// reengage sends the reengagement message or, when configured, jumps to the
// reengagement node. The contact gets a fresh timeout window.
func (m *Monitor) reengage(ctx context.Context, exec *models.Execution, graph *flow.Graph, policy flow.InactivitySettings, now time.Time) (runtime.Step, error) {
	exec.ReengagementAttempts++
	exec.LastReengagementSuccess = nil
	exec.InactivityStatus = models.InactivityActive
	exec.LastInteractionAt = now
	exec.LastWarningAt = nil
	log := entry(exec, "info", EventReengage, fmt.Sprintf("reengagement attempt %d of %d", exec.ReengagementAttempts, policy.MaxReengagements), now)

	if policy.ReengageNodeID != "" {
		step, err := m.advance(ctx, exec, graph, policy.ReengageNodeID)
		if err != nil {
			return runtime.Step{}, err
		}
		step.Action = models.ActionReengage
		step.Logs = append([]models.ExecutionLog{log}, step.Logs...)
		return step, nil
	}

	return runtime.Step{
		Execution: exec,
		Intents:   []models.Intent{message(exec, policy.ReengageMessage)},
		Logs:      []models.ExecutionLog{log},
		Action:    models.ActionReengage,
	}, nil
}

// follow leaves the awaiting node through its timeout edge
func (m *Monitor) follow(ctx context.Context, exec *models.Execution, graph *flow.Graph, target string, now time.Time) (runtime.Step, error) {
	exec.InactivityStatus = models.InactivityActive
	exec.InactivityWarningsSent = 0
	exec.LastWarningAt = nil
	exec.LastInteractionAt = now
	return m.advance(ctx, exec, graph, target)
}

func (m *Monitor) advance(ctx context.Context, exec *models.Execution, graph *flow.Graph, nodeID string) (runtime.Step, error) {
	exec.Awaiting = nil
	step, err := m.dispatcher.Advance(ctx, runtime.Advance{
		Execution:   exec,
		Graph:       graph,
		StartNodeID: nodeID,
		Interrupted: func() bool { return ctx.Err() != nil },
	})
	if err != nil {
		return runtime.Step{}, fmt.Errorf("failed to advance execution %s to %s: %w", exec.ID, nodeID, err)
	}
	return step, nil
}

func (m *Monitor) transfer(exec *models.Execution, policy flow.InactivitySettings, now time.Time) runtime.Step {
	exec.Finish(models.StatusCompleted, ReasonInactivityTransfer, now)
	exec.InactivityReason = ReasonInactivityTransfer

	return runtime.Step{
		Execution: exec,
		Intents: []models.Intent{models.TransferToQueue{
			TenantID:    exec.TenantID,
			ContactID:   exec.ContactID,
			TicketRef:   exec.TicketRef,
			ExecutionID: exec.ID,
			QueueID:     policy.TransferQueueID,
			Reason:      ReasonInactivityTransfer,
		}},
		Logs: []models.ExecutionLog{
			entry(exec, "info", EventTransfer, "transferred to queue "+policy.TransferQueueID, now),
		},
	}
}

func (m *Monitor) end(exec *models.Execution, policy flow.InactivitySettings, now time.Time) runtime.Step {
	exec.Finish(models.StatusCompleted, ReasonInactivityEnd, now)
	exec.InactivityReason = ReasonInactivityEnd

	return runtime.Step{
		Execution: exec,
		Intents:   []models.Intent{message(exec, policy.EndMessage)},
		Logs:      []models.ExecutionLog{entry(exec, "info", EventEnd, "ended after inactivity", now)},
		Action:    models.ActionForceEnd,
	}
}

func message(exec *models.Execution, body string) models.SendMessage {
	return models.SendMessage{
		TenantID:    exec.TenantID,
		ContactID:   exec.ContactID,
		TicketRef:   exec.TicketRef,
		ExecutionID: exec.ID,
		Body:        body,
	}
}

func entry(exec *models.Execution, level, event, msg string, now time.Time) models.ExecutionLog {
	return models.ExecutionLog{
		ExecutionID: exec.ID,
		Timestamp:   now,
		NodeID:      exec.CurrentNodeID,
		Level:       level,
		Event:       event,
		Message:     msg,
	}
}
