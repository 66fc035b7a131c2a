package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

func newExecution(vars map[string]interface{}) *models.Execution {
	return &models.Execution{
		ID:        "e1",
		FlowID:    "support",
		TenantID:  "t1",
		ContactID: "c1",
		TicketRef: "ticket-9",
		Variables: models.NewVariables(vars),
	}
}

func run(t *testing.T, h Handler, node *flow.Node, exec *models.Execution) Result {
	t.Helper()
	res, err := h.Handle(context.Background(), Request{Execution: exec, Node: node, Now: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	return res
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

func TestRegistryCoversEveryNodeType(t *testing.T) {
	r := NewRegistry(Dependencies{})

	for _, nodeType := range []flow.NodeType{
		flow.NodeStart, flow.NodeMessage, flow.NodeMenu, flow.NodeQuestion, flow.NodeAPI,
		flow.NodeDatabase, flow.NodeWebhook, flow.NodeAIAssistant, flow.NodeAppointment,
		flow.NodeSchedule, flow.NodeAttendantHandoff, flow.NodeInternalMessage,
		flow.NodeInactivityTimeout, flow.NodeCondition, flow.NodeFlow, flow.NodeEnd,
	} {
		_, ok := r.Get(nodeType)
		assert.True(t, ok, "missing handler for %s", nodeType)
	}
	assert.Len(t, r.Types(), 16)

	_, ok := r.Get("carrierPigeon")
	assert.False(t, ok)

	r.Register(flow.NodeStart, HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Outcome: Terminate{Reason: "custom"}}, nil
	}))
	h, _ := r.Get(flow.NodeStart)
	res := run(t, h, &flow.Node{ID: "s", Type: flow.NodeStart, Config: &flow.StartConfig{}}, newExecution(nil))
	assert.Equal(t, Terminate{Reason: "custom"}, res.Outcome)
}

func TestMessageRendersVariables(t *testing.T) {
	node := &flow.Node{ID: "hello", Type: flow.NodeMessage, Config: &flow.MessageConfig{
		Text:     "Hi {{name}}!",
		MediaURL: "https://cdn.example/{{plan}}.png",
	}}
	res := run(t, HandlerFunc(handleMessage), node, newExecution(map[string]interface{}{"name": "Ana", "plan": "gold"}))

	assert.Equal(t, KindContinue, res.Outcome.Kind())
	require.Len(t, res.Intents, 1)
	msg := res.Intents[0].(models.SendMessage)
	assert.Equal(t, "Hi Ana!", msg.Body)
	assert.Equal(t, "https://cdn.example/gold.png", msg.MediaURL)
	assert.Equal(t, "c1", msg.ContactID)
	assert.Equal(t, "ticket-9", msg.TicketRef)
	assert.Equal(t, "e1", msg.ExecutionID)
}

func TestMismatchedConfigFails(t *testing.T) {
	node := &flow.Node{ID: "hello", Type: flow.NodeMessage, Config: &flow.EndConfig{}}
	res := run(t, HandlerFunc(handleMessage), node, newExecution(nil))

	fail, ok := res.Outcome.(Fail)
	require.True(t, ok)
	assert.Contains(t, fail.Err.Error(), "unexpected config")
	assert.Empty(t, fail.Branch)
}

func TestInternalMessageIsPrivate(t *testing.T) {
	node := &flow.Node{ID: "note", Type: flow.NodeInternalMessage, Config: &flow.InternalMessageConfig{Text: "VIP", Private: true}}
	res := run(t, HandlerFunc(handleInternalMessage), node, newExecution(nil))

	require.Len(t, res.Intents, 1)
	assert.True(t, res.Intents[0].(models.SendMessage).Private)
}

func TestEndNode(t *testing.T) {
	res := run(t, HandlerFunc(handleEnd), &flow.Node{ID: "end", Type: flow.NodeEnd, Config: &flow.EndConfig{}}, newExecution(nil))
	assert.Equal(t, Terminate{Reason: ReasonEndNode}, res.Outcome)
	assert.Empty(t, res.Intents)

	res = run(t, HandlerFunc(handleEnd), &flow.Node{ID: "end", Type: flow.NodeEnd, Config: &flow.EndConfig{
		Message: "Bye {{name}}",
		Reason:  "resolved",
	}}, newExecution(map[string]interface{}{"name": "Ana"}))
	assert.Equal(t, Terminate{Reason: "resolved"}, res.Outcome)
	assert.Equal(t, []string{"Bye Ana"}, messageBodies(res.Intents))
}

func TestAttendantHandoff(t *testing.T) {
	node := &flow.Node{ID: "handoff", Type: flow.NodeAttendantHandoff, Config: &flow.AttendantHandoffConfig{
		QueueID: "billing",
		Message: "Connecting you to a person",
	}}
	res := run(t, HandlerFunc(handleAttendantHandoff), node, newExecution(nil))

	assert.Equal(t, Terminate{Reason: ReasonHandoff}, res.Outcome)
	require.Len(t, res.Intents, 2)
	assert.Equal(t, "Connecting you to a person", res.Intents[0].(models.SendMessage).Body)

	transfer, ok := res.Intents[1].(models.TransferToQueue)
	require.True(t, ok)
	assert.Equal(t, "billing", transfer.QueueID)
	assert.Equal(t, "c1", transfer.ContactID)
	assert.Equal(t, ReasonHandoff, transfer.Reason)
}

func TestFlowContinuation(t *testing.T) {
	exec := newExecution(map[string]interface{}{"plan": "gold"})

	res := run(t, HandlerFunc(handleFlow), &flow.Node{ID: "next", Type: flow.NodeFlow, Config: &flow.FlowConfig{
		FlowID:        "billing",
		StartNodeID:   "welcome",
		PassVariables: true,
	}}, exec)

	term, ok := res.Outcome.(Terminate)
	require.True(t, ok)
	assert.Equal(t, ReasonFlowChained, term.Reason)
	require.NotNil(t, term.Continuation)
	assert.Equal(t, "billing", term.Continuation.FlowID)
	assert.Equal(t, "welcome", term.Continuation.StartNodeID)
	assert.Equal(t, "gold", term.Continuation.Variables.GetString("plan"))

	term.Continuation.Variables.Set("plan", "silver")
	assert.Equal(t, "gold", exec.Variables.GetString("plan"), "continuation variables are a copy")

	res = run(t, HandlerFunc(handleFlow), &flow.Node{ID: "next", Type: flow.NodeFlow, Config: &flow.FlowConfig{FlowID: "billing"}}, exec)
	assert.Nil(t, res.Outcome.(Terminate).Continuation.Variables)
}

func TestInactivityTimeoutNodeReturnsOverride(t *testing.T) {
	warnings := 1
	node := &flow.Node{ID: "patience", Type: flow.NodeInactivityTimeout, Config: &flow.InactivityTimeoutConfig{
		InactivitySettings: flow.InactivitySettings{GeneralTimeout: 600, MaxWarnings: &warnings},
	}}
	res := run(t, HandlerFunc(handleInactivityTimeout), node, newExecution(nil))

	cont, ok := res.Outcome.(Continue)
	require.True(t, ok)
	require.NotNil(t, cont.Inactivity)
	assert.Equal(t, 600, cont.Inactivity.GeneralTimeout)
	require.NotNil(t, cont.Inactivity.MaxWarnings)
	assert.Equal(t, 1, *cont.Inactivity.MaxWarnings)
}

func TestMenuSuspendsWithNumberedPrompt(t *testing.T) {
	node := &flow.Node{ID: "menu", Type: flow.NodeMenu, Config: &flow.MenuConfig{
		Prompt: "Hi {{name}}, pick one:",
		Options: []flow.MenuOption{
			{Value: "sales", Label: "Sales"},
			{Value: "support", Label: "Support"},
		},
	}}
	res := run(t, HandlerFunc(handleMenu), node, newExecution(map[string]interface{}{"name": "Ana"}))

	suspend, ok := res.Outcome.(Suspend)
	require.True(t, ok)
	assert.Equal(t, models.InputMenu, suspend.Input.Kind)
	assert.Equal(t, DefaultMaxRetries, suspend.Input.MaxRetries)
	assert.Equal(t, flow.TimeoutMenu, suspend.Input.TimeoutClass)
	assert.Equal(t, "Hi Ana, pick one:\n1. Sales\n2. Support", suspend.Input.Prompt)
	assert.Equal(t, []string{suspend.Input.Prompt}, messageBodies(res.Intents))
}

func TestQuestionSuspendsForVariable(t *testing.T) {
	lowest := 1.0
	node := &flow.Node{ID: "age", Type: flow.NodeQuestion, Config: &flow.QuestionConfig{
		Prompt:     "How old are you?",
		InputType:  "number",
		Variable:   "age",
		Min:        &lowest,
		MaxRetries: 2,
	}}
	res := run(t, HandlerFunc(handleQuestion), node, newExecution(nil))

	suspend := res.Outcome.(Suspend)
	assert.Equal(t, models.InputNumber, suspend.Input.Kind)
	assert.Equal(t, "age", suspend.Input.Variable)
	assert.Equal(t, 2, suspend.Input.MaxRetries)
	assert.Equal(t, &lowest, suspend.Input.Min)
	assert.Equal(t, flow.TimeoutQuestion, suspend.Input.TimeoutClass)

	node.Config = &flow.QuestionConfig{Prompt: "Size?", InputType: "options", Options: []string{"S", "M"}, Variable: "size"}
	suspend = run(t, HandlerFunc(handleQuestion), node, newExecution(nil)).Outcome.(Suspend)
	assert.Equal(t, "Size?\n1. S\n2. M", suspend.Input.Prompt)
	assert.Len(t, suspend.Input.Options, 2)

	node.Config = &flow.QuestionConfig{Prompt: "Anything else?", Variable: "notes"}
	suspend = run(t, HandlerFunc(handleQuestion), node, newExecution(nil)).Outcome.(Suspend)
	assert.Equal(t, models.InputText, suspend.Input.Kind)
}

func TestFormatOptionsWithoutPrompt(t *testing.T) {
	out := FormatOptions("", []models.InputOption{{Value: "a"}, {Value: "b", Label: "Bee"}})
	assert.Equal(t, "1. a\n2. Bee", out)
}

func TestWithinSchedule(t *testing.T) {
	office := &flow.ScheduleConfig{
		Windows: []flow.TimeWindow{
			{Days: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "09:00", End: "18:00"},
		},
		Holidays: []string{"2026-12-25"},
	}
	wednesday := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Wednesday, wednesday.Weekday())

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday morning", wednesday.Add(10 * time.Hour), true},
		{"window start is inclusive", wednesday.Add(9 * time.Hour), true},
		{"window end is exclusive", wednesday.Add(18 * time.Hour), false},
		{"before opening", wednesday.Add(8*time.Hour + 59*time.Minute), false},
		{"saturday", wednesday.Add(3*24*time.Hour + 10*time.Hour), false},
		{"holiday", time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithinSchedule(office, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	night := &flow.ScheduleConfig{Windows: []flow.TimeWindow{{Start: "22:00", End: "06:00"}}}
	got, err := WithinSchedule(night, wednesday.Add(23*time.Hour))
	require.NoError(t, err)
	assert.True(t, got)
	got, err = WithinSchedule(night, wednesday.Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, got)
	got, err = WithinSchedule(night, wednesday.Add(12*time.Hour))
	require.NoError(t, err)
	assert.False(t, got)

	_, err = WithinSchedule(&flow.ScheduleConfig{Timezone: "Nowhere/Land", Windows: night.Windows}, wednesday)
	assert.Error(t, err)
	_, err = WithinSchedule(&flow.ScheduleConfig{Windows: []flow.TimeWindow{{Start: "9am", End: "5pm"}}}, wednesday)
	assert.Error(t, err)
}

func TestScheduleBranches(t *testing.T) {
	node := &flow.Node{ID: "hours", Type: flow.NodeSchedule, Config: &flow.ScheduleConfig{
		Timezone: "UTC",
		Windows:  []flow.TimeWindow{{Days: []string{"Wednesday"}, Start: "09:00", End: "18:00"}},
	}}
	exec := newExecution(nil)
	wednesday := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	res, err := handleSchedule(context.Background(), Request{Execution: exec, Node: node, Now: wednesday.Add(12 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, Continue{Branch: BranchInside}, res.Outcome)

	res, err = handleSchedule(context.Background(), Request{Execution: exec, Node: node, Now: wednesday.Add(20 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, Continue{Branch: BranchOutside}, res.Outcome)
}
