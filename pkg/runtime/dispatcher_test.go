package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/nodes"
)

func newExecution(graph *flow.Graph) *models.Execution {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	return &models.Execution{
		ID:                "exec-1",
		FlowID:            graph.Definition().ID,
		FlowVersion:       1,
		TenantID:          tenant,
		ContactID:         "c1",
		Status:            models.StatusActive,
		CurrentNodeID:     graph.StartNodeID(),
		Variables:         models.NewVariables(nil),
		InactivityStatus:  models.InactivityActive,
		LastInteractionAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
}

func newTestDispatcher(registry *nodes.Registry, opts DispatcherOptions) *Dispatcher {
	if registry == nil {
		registry = nodes.NewRegistry(nodes.Dependencies{})
	}
	return NewDispatcher(registry, opts)
}

func messageBodies(intents []models.Intent) []string {
	var out []string
	for _, intent := range intents {
		if msg, ok := intent.(models.SendMessage); ok {
			out = append(out, msg.Body)
		}
	}
	return out
}

func TestAdvanceRoutesByCondition(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "age", "start_node_id": "start",
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "adult", "type": "message", "config": {"text": "adult"}},
	    {"id": "minor", "type": "message", "config": {"text": "minor"}}
	  ],
	  "edges": [
	    {"source": "start", "target": "adult", "condition": "age >= 18"},
	    {"source": "start", "target": "minor"}
	  ]
	}`)
	d := newTestDispatcher(nil, DispatcherOptions{})

	tests := []struct {
		name string
		age  int
		want string
	}{
		{name: "condition true", age: 30, want: "adult"},
		{name: "default edge", age: 12, want: "minor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newExecution(graph)
			exec.Variables.Set("age", tt.age)

			step, err := d.Advance(context.Background(), Advance{Execution: exec, Graph: graph})
			require.NoError(t, err)

			assert.Equal(t, []string{tt.want}, messageBodies(step.Intents))
			assert.Equal(t, models.StatusCompleted, step.Execution.Status)
			assert.Equal(t, ReasonFlowCompleted, step.Execution.StatusReason)
			assert.Equal(t, tt.want, step.Execution.CurrentNodeID)
			assert.Equal(t, 2, step.Execution.StepCount)
		})
	}
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)
	exec := newExecution(graph)
	before := exec.Clone()

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: exec, Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, before, exec)
	assert.True(t, step.Execution.IsAwaiting())
}

func TestAdvanceSkipsBrokenConditions(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "broken", "start_node_id": "start",
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "a", "type": "message", "config": {"text": "a"}},
	    {"id": "b", "type": "message", "config": {"text": "b"}}
	  ],
	  "edges": [
	    {"source": "start", "target": "a", "condition": "missing.field > 1"},
	    {"source": "start", "target": "b"}
	  ]
	}`)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, messageBodies(step.Intents))
	var events []string
	for _, l := range step.Logs {
		events = append(events, l.Event)
	}
	assert.Contains(t, events, EventConditionError)
}

func TestAdvanceFailsWithoutRoute(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "stuck", "start_node_id": "start",
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "a", "type": "message", "config": {"text": "a"}}
	  ],
	  "edges": [
	    {"source": "start", "target": "a", "condition": "false"}
	  ]
	}`)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, step.Execution.Status)
	assert.Contains(t, step.Execution.ErrorMessage, ErrNoRoute.Error())
	assert.Equal(t, []string{flow.DefaultErrorMessage}, messageBodies(step.Intents))
}

func TestAdvanceFollowsErrorBranch(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "lookup", "start_node_id": "call",
	  "nodes": [
	    {"id": "call", "type": "api", "config": {"url": "http://example.invalid"}},
	    {"id": "sorry", "type": "message", "config": {"text": "Lookup unavailable"}}
	  ],
	  "edges": [
	    {"source": "call", "target": "sorry", "label": "error"}
	  ]
	}`)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, step.Execution.Status)
	assert.Equal(t, []string{"Lookup unavailable"}, messageBodies(step.Intents))
	assert.Equal(t, EventFallback, step.Logs[0].Event)
}

func TestAdvanceRecoversHandlerPanic(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "boom", "start_node_id": "start",
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "say", "type": "message", "config": {"text": "hi"}}
	  ],
	  "edges": [{"source": "start", "target": "say"}],
	  "settings": {"error_message": "Oops"}
	}`)
	registry := nodes.NewRegistry(nodes.Dependencies{})
	registry.Register(flow.NodeMessage, nodes.HandlerFunc(func(ctx context.Context, req nodes.Request) (nodes.Result, error) {
		panic("kaboom")
	}))

	step, err := newTestDispatcher(registry, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, step.Execution.Status)
	assert.Contains(t, step.Execution.ErrorMessage, "kaboom")
	assert.Equal(t, "say", step.Execution.CurrentNodeID)
	assert.Equal(t, []string{"Oops"}, messageBodies(step.Intents))
}

func TestAdvanceHandlerErrorAndTimeout(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "slow", "start_node_id": "say",
	  "nodes": [{"id": "say", "type": "message", "config": {"text": "hi"}}],
	  "edges": []
	}`)

	t.Run("error", func(t *testing.T) {
		registry := nodes.NewRegistry(nodes.Dependencies{})
		registry.Register(flow.NodeMessage, nodes.HandlerFunc(func(ctx context.Context, req nodes.Request) (nodes.Result, error) {
			return nodes.Result{}, errors.New("provider down")
		}))
		step, err := newTestDispatcher(registry, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
		require.NoError(t, err)
		assert.Equal(t, "provider down", step.Execution.ErrorMessage)
	})

	t.Run("timeout", func(t *testing.T) {
		registry := nodes.NewRegistry(nodes.Dependencies{})
		registry.Register(flow.NodeMessage, nodes.HandlerFunc(func(ctx context.Context, req nodes.Request) (nodes.Result, error) {
			<-ctx.Done()
			return nodes.Result{}, ctx.Err()
		}))
		d := newTestDispatcher(registry, DispatcherOptions{HandlerTimeout: 10 * time.Millisecond})
		step, err := d.Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, step.Execution.Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), step.Execution.ErrorMessage)
	})
}

func TestAdvanceEnforcesStepLimit(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "loop", "start_node_id": "a",
	  "nodes": [
	    {"id": "a", "type": "condition"},
	    {"id": "b", "type": "condition"}
	  ],
	  "edges": [
	    {"source": "a", "target": "b"},
	    {"source": "b", "target": "a"}
	  ]
	}`)

	step, err := newTestDispatcher(nil, DispatcherOptions{MaxSteps: 5}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, step.Execution.Status)
	assert.Contains(t, step.Execution.ErrorMessage, "exceeded 5 steps")
	assert.Equal(t, 5, step.Execution.StepCount)
}

func TestAdvanceStopsWhenInterrupted(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)
	exec := newExecution(graph)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{
		Execution:   exec,
		Graph:       graph,
		Interrupted: func() bool { return true },
	})
	require.NoError(t, err)

	assert.True(t, step.Interrupted)
	assert.Empty(t, step.Intents)
	assert.Equal(t, models.StatusActive, step.Execution.Status)
}

func TestAdvanceRejectsInactiveExecution(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)
	exec := newExecution(graph)
	exec.Status = models.StatusPaused

	_, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: exec, Graph: graph})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSuspendResolvesTargets(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	awaiting := step.Execution.Awaiting
	require.NotNil(t, awaiting)
	assert.Equal(t, "menu", awaiting.NodeID)
	assert.Equal(t, "sales", awaiting.Input.Options[0].TargetNodeID)
	assert.Equal(t, "email", awaiting.Input.Options[1].TargetNodeID)
	assert.Empty(t, awaiting.Input.FallbackNodeID)

	step, err = newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{
		Execution:   newExecution(graph),
		Graph:       graph,
		StartNodeID: "email",
	})
	require.NoError(t, err)
	assert.Equal(t, "human", step.Execution.Awaiting.Input.FallbackNodeID)
	assert.Equal(t, flow.TimeoutQuestion, step.Execution.Awaiting.Input.TimeoutClass)
}

func TestResumeMergesUpdatesAndRoutes(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)
	exec := newExecution(graph)
	exec.CurrentNodeID = "email"
	exec.Awaiting = &models.AwaitingInput{NodeID: "email", Input: models.InputSpec{Kind: models.InputEmail, Variable: "email"}}

	updates := models.NewVariables(map[string]interface{}{"email": "a@b.co"})
	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{
		Execution:   exec,
		Graph:       graph,
		StartNodeID: "email",
		Resume:      &Resumption{Updates: updates},
	})
	require.NoError(t, err)

	assert.Nil(t, step.Execution.Awaiting)
	assert.Equal(t, "done", step.Execution.CurrentNodeID)
	assert.Equal(t, []string{"Thanks a@b.co!"}, messageBodies(step.Intents))
}

func TestResumeReentersNode(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "echo", "start_node_id": "ask",
	  "nodes": [{"id": "ask", "type": "message", "config": {"text": "unused"}}],
	  "edges": []
	}`)
	var got *nodes.Reply
	var gotState map[string]interface{}
	registry := nodes.NewRegistry(nodes.Dependencies{})
	registry.Register(flow.NodeMessage, nodes.HandlerFunc(func(ctx context.Context, req nodes.Request) (nodes.Result, error) {
		got, gotState = req.Reply, req.State
		return nodes.Result{Outcome: nodes.Terminate{Reason: "echoed"}}, nil
	}))

	exec := newExecution(graph)
	exec.Awaiting = &models.AwaitingInput{NodeID: "ask", Input: models.InputSpec{Kind: models.InputText, Reenter: true}}
	step, err := newTestDispatcher(registry, DispatcherOptions{}).Advance(context.Background(), Advance{
		Execution:   exec,
		Graph:       graph,
		StartNodeID: "ask",
		Resume: &Resumption{
			Reenter: true,
			Reply:   &nodes.Reply{Body: "hello"},
			State:   map[string]interface{}{"turns": 1},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, 1, gotState["turns"])
	assert.Equal(t, "echoed", step.Execution.StatusReason)
}

func TestResumeToUnknownNodeFails(t *testing.T) {
	graph := graphOf(t, supportFlowJSON)
	exec := newExecution(graph)
	exec.Awaiting = &models.AwaitingInput{NodeID: "menu"}

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{
		Execution:   exec,
		Graph:       graph,
		StartNodeID: "menu",
		Resume:      &Resumption{NextNodeID: "ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, step.Execution.Status)
	assert.Contains(t, step.Execution.ErrorMessage, ErrNodeNotFound.Error())
}

func TestInactivityTimeoutNodeOverridesPolicy(t *testing.T) {
	graph := graphOf(t, `{
	  "id": "patient", "start_node_id": "relax",
	  "nodes": [
	    {"id": "relax", "type": "inactivityTimeout", "config": {"question_timeout": 900, "action": "end"}},
	    {"id": "ask", "type": "question", "config": {"prompt": "Name?", "input_type": "text", "variable": "name"}}
	  ],
	  "edges": [{"source": "relax", "target": "ask"}]
	}`)

	step, err := newTestDispatcher(nil, DispatcherOptions{}).Advance(context.Background(), Advance{Execution: newExecution(graph), Graph: graph})
	require.NoError(t, err)

	exec := step.Execution
	require.NotNil(t, exec.InactivityOverride)
	policy := exec.InactivityPolicy(graph.Definition().Settings.Inactivity)
	assert.Equal(t, flow.ActionEnd, policy.Action)
	assert.Equal(t, 900*time.Second, policy.Timeout(flow.TimeoutQuestion))

	Schedule(exec, graph)
	require.NotNil(t, exec.InactivityDeadline)
	assert.Equal(t, exec.LastInteractionAt.Add(900*time.Second), *exec.InactivityDeadline)
}
