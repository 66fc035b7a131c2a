package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

func fastRetries(t *testing.T) {
	t.Helper()
	initial, maxInterval := retryInitialInterval, retryMaxInterval
	retryInitialInterval, retryMaxInterval = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() {
		retryInitialInterval, retryMaxInterval = initial, maxInterval
	})
}

func TestAPICallMapsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/customers/42", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"customer":{"name":"Ana","plan":"gold"},"orders":[{"id":1},{"id":2}]}`)
	}))
	defer server.Close()

	node := &flow.Node{ID: "lookup", Type: flow.NodeAPI, Config: &flow.HTTPCallConfig{
		URL:              "{{base}}/customers/{{id}}",
		Headers:          map[string]string{"Authorization": "Bearer {{token}}"},
		ResponseVariable: "customer_response",
		ResponseMapping: map[string]string{
			"customer_name": "customer.name",
			"order_count":   "orders.#",
			"missing":       "nothing.here",
		},
	}}
	exec := newExecution(map[string]interface{}{"base": server.URL, "id": 42, "token": "secret"})

	res := run(t, NewHTTPCallHandler(utils.NewHTTPClient(), http.MethodGet), node, exec)

	cont, ok := res.Outcome.(Continue)
	require.True(t, ok, "got %#v", res.Outcome)
	assert.Equal(t, BranchSuccess, cont.Branch)
	assert.Equal(t, "Ana", cont.Updates.GetString("customer_name"))
	count, _ := cont.Updates.Get("order_count")
	assert.Equal(t, float64(2), count)
	_, ok = cont.Updates.Get("missing")
	assert.False(t, ok)
	body, _ := cont.Updates.Get("customer_response")
	assert.IsType(t, map[string]interface{}{}, body)
}

func TestAPICallRetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	node := &flow.Node{ID: "call", Type: flow.NodeAPI, Config: &flow.HTTPCallConfig{URL: server.URL, Retries: 2}}
	res := run(t, NewHTTPCallHandler(utils.NewHTTPClient(), http.MethodGet), node, newExecution(nil))

	assert.Equal(t, BranchSuccess, res.Outcome.(Continue).Branch)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAPICallFailures(t *testing.T) {
	fastRetries(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	handler := NewHTTPCallHandler(utils.NewHTTPClient(), http.MethodGet)

	t.Run("client errors are not retried", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		node := &flow.Node{ID: "call", Type: flow.NodeAPI, Config: &flow.HTTPCallConfig{URL: server.URL + "/missing", Retries: 3}}
		fail, ok := run(t, handler, node, newExecution(nil)).Outcome.(Fail)
		require.True(t, ok)
		assert.Equal(t, flow.LabelError, fail.Branch)
		assert.Contains(t, fail.Err.Error(), "404")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("server errors give up after retries", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		node := &flow.Node{ID: "call", Type: flow.NodeAPI, Config: &flow.HTTPCallConfig{URL: server.URL, Retries: 1}}
		fail, ok := run(t, handler, node, newExecution(nil)).Outcome.(Fail)
		require.True(t, ok)
		assert.Equal(t, flow.LabelError, fail.Branch)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("no client", func(t *testing.T) {
		node := &flow.Node{ID: "call", Type: flow.NodeAPI, Config: &flow.HTTPCallConfig{URL: server.URL}}
		fail, ok := run(t, NewHTTPCallHandler(nil, http.MethodGet), node, newExecution(nil)).Outcome.(Fail)
		require.True(t, ok)
		assert.Empty(t, fail.Branch)
	})
}

func TestWebhookPostsExecutionPayload(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var payload map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	node := &flow.Node{ID: "notify", Type: flow.NodeWebhook, Config: &flow.HTTPCallConfig{URL: server.URL}}
	res := run(t, NewHTTPCallHandler(utils.NewHTTPClient(), http.MethodPost), node, newExecution(map[string]interface{}{"plan": "gold"}))
	assert.Equal(t, BranchSuccess, res.Outcome.(Continue).Branch)

	payload := <-received
	assert.Equal(t, "e1", payload["execution_id"])
	assert.Equal(t, "notify", payload["node_id"])
	assert.Equal(t, map[string]interface{}{"plan": "gold"}, payload["variables"])
}

type fakeQueries struct {
	calls  int
	result interface{}
	err    error

	tenant, connection, mode, query string
	args                            []interface{}
}

func (f *fakeQueries) Query(ctx context.Context, tenantID, connection, mode, query string, args ...interface{}) (interface{}, error) {
	f.calls++
	f.tenant, f.connection, f.mode, f.query, f.args = tenantID, connection, mode, query, args
	return f.result, f.err
}

func TestDatabaseQueryBindsParameters(t *testing.T) {
	queries := &fakeQueries{result: map[string]interface{}{"status": "shipped"}}
	node := &flow.Node{ID: "order", Type: flow.NodeDatabase, Config: &flow.DatabaseConfig{
		Connection:     "crm",
		Query:          "SELECT status FROM orders WHERE id = $1 AND note = $2",
		Params:         []string{"{{ order_id }}", "for {{name}}"},
		ResultVariable: "order",
	}}
	exec := newExecution(map[string]interface{}{"order_id": 42, "name": "Ana"})

	res := run(t, NewDatabaseHandler(queries), node, exec)

	cont := res.Outcome.(Continue)
	assert.Equal(t, BranchSuccess, cont.Branch)
	order, _ := cont.Updates.Get("order")
	assert.Equal(t, map[string]interface{}{"status": "shipped"}, order)

	assert.Equal(t, "t1", queries.tenant)
	assert.Equal(t, "crm", queries.connection)
	assert.Equal(t, flow.QueryOne, queries.mode)
	assert.Equal(t, []interface{}{42, "for Ana"}, queries.args)
}

func TestDatabaseEmptyResultBranch(t *testing.T) {
	node := &flow.Node{ID: "orders", Type: flow.NodeDatabase, Config: &flow.DatabaseConfig{
		Query: "SELECT * FROM orders",
		Mode:  flow.QueryMany,
	}}
	res := run(t, NewDatabaseHandler(&fakeQueries{result: []map[string]interface{}{}}), node, newExecution(nil))
	cont := res.Outcome.(Continue)
	assert.Equal(t, BranchEmpty, cont.Branch)
	assert.Nil(t, cont.Updates)

	node.Config = &flow.DatabaseConfig{Query: "SELECT 1"}
	res = run(t, NewDatabaseHandler(&fakeQueries{}), node, newExecution(nil))
	assert.Equal(t, BranchEmpty, res.Outcome.(Continue).Branch)
}

func TestDatabaseFailureRetries(t *testing.T) {
	fastRetries(t)
	queries := &fakeQueries{err: errors.New("connection refused")}
	node := &flow.Node{ID: "order", Type: flow.NodeDatabase, Config: &flow.DatabaseConfig{Query: "SELECT 1", Retries: 1}}

	fail, ok := run(t, NewDatabaseHandler(queries), node, newExecution(nil)).Outcome.(Fail)
	require.True(t, ok)
	assert.Equal(t, flow.LabelError, fail.Branch)
	assert.Contains(t, fail.Err.Error(), "connection refused")
	assert.Equal(t, 2, queries.calls)

	fail, ok = run(t, NewDatabaseHandler(nil), node, newExecution(nil)).Outcome.(Fail)
	require.True(t, ok)
	assert.Empty(t, fail.Branch)
}

type fakeAI struct {
	answers  []string
	requests []AIRequest
	err      error
}

func (f *fakeAI) Complete(ctx context.Context, req AIRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer, nil
}

func TestAssistantSingleTurn(t *testing.T) {
	ai := &fakeAI{answers: []string{"We open at 9."}}
	node := &flow.Node{ID: "faq", Type: flow.NodeAIAssistant, Config: &flow.AIAssistantConfig{
		SystemPrompt:     "You answer for {{company}}",
		Prompt:           "When do you open?",
		ResponseVariable: "answer",
	}}

	res := run(t, NewAIAssistantHandler(ai, "default-model"), node, newExecution(map[string]interface{}{"company": "Acme"}))

	cont := res.Outcome.(Continue)
	assert.Equal(t, "We open at 9.", cont.Updates.GetString("answer"))
	assert.Equal(t, []string{"We open at 9."}, messageBodies(res.Intents))

	require.Len(t, ai.requests, 1)
	assert.Equal(t, "default-model", ai.requests[0].Model)
	assert.Equal(t, "You answer for Acme", ai.requests[0].SystemPrompt)
	assert.Equal(t, []AIMessage{{Role: "user", Content: "When do you open?"}}, ai.requests[0].Messages)
}

func TestAssistantConversation(t *testing.T) {
	ai := &fakeAI{answers: []string{"How can I help?", "Sure, done.", "Anything else?"}}
	node := &flow.Node{ID: "chat", Type: flow.NodeAIAssistant, Config: &flow.AIAssistantConfig{
		Model:          "m1",
		Prompt:         "Greet the customer",
		Conversational: true,
		ExitKeywords:   []string{"bye"},
		MaxTurns:       2,
	}}
	handler := NewAIAssistantHandler(ai, "")
	exec := newExecution(nil)

	suspend, ok := run(t, handler, node, exec).Outcome.(Suspend)
	require.True(t, ok)
	assert.True(t, suspend.Input.Reenter)
	assert.Equal(t, models.InputText, suspend.Input.Kind)

	reenter := func(body string, state map[string]interface{}) Result {
		res, err := handler.Handle(context.Background(), Request{
			Execution: exec,
			Node:      node,
			Reply:     &Reply{Body: body},
			State:     state,
			Now:       time.Now(),
		})
		require.NoError(t, err)
		return res
	}

	res := reenter("Change my plan", suspend.Input.State)
	suspend, ok = res.Outcome.(Suspend)
	require.True(t, ok)
	require.Len(t, ai.requests, 2)
	assert.Equal(t, []AIMessage{
		{Role: "user", Content: "Greet the customer"},
		{Role: "assistant", Content: "How can I help?"},
		{Role: "user", Content: "Change my plan"},
	}, ai.requests[1].Messages)

	exit := reenter(" BYE ", suspend.Input.State)
	assert.Equal(t, Continue{Branch: BranchExit}, exit.Outcome)
	assert.Len(t, ai.requests, 2, "exit keywords do not call the assistant")

	res = reenter("One more thing", suspend.Input.State)
	assert.Equal(t, BranchMaxTurns, res.Outcome.(Continue).Branch)
	assert.Equal(t, []string{"Anything else?"}, messageBodies(res.Intents))
}

func TestAssistantFailure(t *testing.T) {
	node := &flow.Node{ID: "faq", Type: flow.NodeAIAssistant, Config: &flow.AIAssistantConfig{Prompt: "Hi"}}

	fail, ok := run(t, NewAIAssistantHandler(&fakeAI{err: errors.New("rate limited")}, ""), node, newExecution(nil)).Outcome.(Fail)
	require.True(t, ok)
	assert.Equal(t, flow.LabelError, fail.Branch)

	fail, ok = run(t, NewAIAssistantHandler(nil, ""), node, newExecution(nil)).Outcome.(Fail)
	require.True(t, ok)
	assert.Empty(t, fail.Branch)
}

type fakeAppointments struct {
	slots   []Slot
	booked  []BookingRequest
	listErr error
}

func (f *fakeAppointments) AvailableSlots(ctx context.Context, tenantID, serviceID string, limit int) ([]Slot, error) {
	return f.slots, f.listErr
}

func (f *fakeAppointments) Book(ctx context.Context, req BookingRequest) (Booking, error) {
	f.booked = append(f.booked, req)
	return Booking{ID: "b1", SlotID: req.SlotID, Start: time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)}, nil
}

func TestAppointmentOffersAndBooksSlot(t *testing.T) {
	service := &fakeAppointments{slots: []Slot{
		{ID: "s1", Label: "Mon 09:00"},
		{ID: "s2", Label: "Tue 10:00"},
		{ID: "s3", Label: "Wed 11:00"},
	}}
	node := &flow.Node{ID: "book", Type: flow.NodeAppointment, Config: &flow.AppointmentConfig{
		ServiceID:      "dentist",
		MaxSlots:       2,
		ResultVariable: "appointment",
	}}
	handler := NewAppointmentHandler(service)
	exec := newExecution(nil)

	res := run(t, handler, node, exec)
	suspend, ok := res.Outcome.(Suspend)
	require.True(t, ok)
	assert.True(t, suspend.Input.Reenter)
	assert.Equal(t, models.InputOptions, suspend.Input.Kind)
	assert.Equal(t, []models.InputOption{{Value: "s1", Label: "Mon 09:00"}, {Value: "s2", Label: "Tue 10:00"}}, suspend.Input.Options)
	assert.Equal(t, []string{DefaultAppointmentPrompt + "\n1. Mon 09:00\n2. Tue 10:00"}, messageBodies(res.Intents))

	res, err := handler.Handle(context.Background(), Request{
		Execution: exec,
		Node:      node,
		Reply:     &Reply{Body: "2", OptionValue: "s2"},
		State:     suspend.Input.State,
		Now:       time.Now(),
	})
	require.NoError(t, err)

	cont := res.Outcome.(Continue)
	assert.Equal(t, BranchBooked, cont.Branch)
	require.Len(t, service.booked, 1)
	assert.Equal(t, BookingRequest{TenantID: "t1", ServiceID: "dentist", SlotID: "s2", ContactID: "c1"}, service.booked[0])
	assert.Equal(t, []string{"Your appointment is confirmed for Tue 10:00."}, messageBodies(res.Intents))

	appointment, _ := cont.Updates.Get("appointment")
	assert.Equal(t, map[string]interface{}{
		"id":      "b1",
		"slot_id": "s2",
		"start":   "2026-10-20T10:00:00Z",
		"label":   "Tue 10:00",
	}, appointment)
}

func TestAppointmentWithoutSlots(t *testing.T) {
	node := &flow.Node{ID: "book", Type: flow.NodeAppointment, Config: &flow.AppointmentConfig{ServiceID: "dentist"}}

	res := run(t, NewAppointmentHandler(&fakeAppointments{}), node, newExecution(nil))
	assert.Equal(t, Continue{Branch: BranchUnavailable}, res.Outcome)
	assert.Equal(t, []string{DefaultNoSlotsMessage}, messageBodies(res.Intents))

	fail, ok := run(t, NewAppointmentHandler(&fakeAppointments{listErr: errors.New("down")}), node, newExecution(nil)).Outcome.(Fail)
	require.True(t, ok)
	assert.Equal(t, flow.LabelError, fail.Branch)
}
