package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/registry"
	"github.com/tcmartin/convoflow/pkg/storage"
)

const tenant = "t1"

const supportFlowJSON = `{
  "id": "support",
  "name": "Support triage",
  "active": true,
  "start_node_id": "start",
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "menu", "type": "menu", "config": {"prompt": "How can we help, {{name}}?", "options": [{"value": "1", "label": "Sales"}, {"value": "2", "label": "Support"}], "max_retries": 2}},
    {"id": "sales", "type": "attendantHandoff", "config": {"queue_id": "q-sales", "message": "Connecting you to sales"}},
    {"id": "email", "type": "question", "config": {"prompt": "What is your email?", "input_type": "email", "variable": "email", "max_retries": 2}},
    {"id": "human", "type": "attendantHandoff", "config": {"queue_id": "q-support"}},
    {"id": "done", "type": "end", "config": {"message": "Thanks {{email}}!"}}
  ],
  "edges": [
    {"source": "start", "target": "menu"},
    {"source": "menu", "target": "sales", "label": "1"},
    {"source": "menu", "target": "email", "label": "2"},
    {"source": "email", "target": "done"},
    {"source": "email", "target": "human", "label": "invalid"}
  ],
  "settings": {"inactivity": {"general_timeout": 300}}
}`

// fixedClock is a settable clock shared by the engine and the dispatcher
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingMessenger collects delivered intents
type recordingMessenger struct {
	mu      sync.Mutex
	intents []models.Intent
}

func (m *recordingMessenger) Deliver(ctx context.Context, intent models.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	return nil
}

func (m *recordingMessenger) Bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, intent := range m.intents {
		if msg, ok := intent.(models.SendMessage); ok {
			out = append(out, msg.Body)
		}
	}
	return out
}

func (m *recordingMessenger) Transfers() []models.TransferToQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransferToQueue
	for _, intent := range m.intents {
		if t, ok := intent.(models.TransferToQueue); ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *recordingMessenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = nil
}

// recordingNotifier collects notifications
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, note)
	return nil
}

func (n *recordingNotifier) Actions() []models.NotificationAction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.NotificationAction, len(n.notifications))
	for i, note := range n.notifications {
		out[i] = note.Action
	}
	return out
}

type harness struct {
	clock     *fixedClock
	store     *storage.MemoryExecutionStore
	flows     *registry.FlowRegistryService
	nodes     *nodes.Registry
	messenger *recordingMessenger
	notifier  *recordingNotifier
	ledger    *storage.MemoryMessageLedger
	engine    *Engine
	ids       atomic.Int64
}

func newHarness(t *testing.T, definitions ...string) *harness {
	t.Helper()
	h := &harness{
		clock:     newClock(),
		store:     storage.NewMemoryExecutionStore(),
		messenger: &recordingMessenger{},
		notifier:  &recordingNotifier{},
		ledger:    storage.NewMemoryMessageLedger(time.Hour),
	}
	h.flows = registry.NewFlowRegistry(storage.NewMemoryFlowStore(), registry.FlowRegistryOptions{Now: h.clock.Now})
	for _, doc := range definitions {
		h.addFlow(t, doc)
	}

	h.nodes = nodes.NewRegistry(nodes.Dependencies{})
	dispatcher := NewDispatcher(h.nodes, DispatcherOptions{Now: h.clock.Now})
	outbox := NewOutbox(h.store, h.messenger, h.notifier, nil, nil)
	h.engine = NewEngine(h.store, h.flows, dispatcher, h.ledger, outbox, EngineOptions{
		Now: h.clock.Now,
		NewID: func() string {
			return fmt.Sprintf("exec-%d", h.ids.Add(1))
		},
	})
	return h
}

func (h *harness) addFlow(t *testing.T, doc string) {
	t.Helper()
	var def flow.Definition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	_, err := h.flows.Create(context.Background(), tenant, &def)
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, flowID, contactID string, vars map[string]interface{}) *models.Execution {
	t.Helper()
	exec, err := h.engine.Execute(context.Background(), ExecuteRequest{
		TenantID:         tenant,
		FlowID:           flowID,
		ContactID:        contactID,
		InitialVariables: vars,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) reply(t *testing.T, contactID, messageID, body string) InboundResult {
	t.Helper()
	res, err := h.engine.HandleInbound(context.Background(), models.InboundMessage{
		Body:          body,
		FromContactID: contactID,
		MessageID:     messageID,
		TenantID:      tenant,
		Timestamp:     h.clock.Now(),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) get(t *testing.T, id string) *models.Execution {
	t.Helper()
	exec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func graphOf(t *testing.T, doc string) *flow.Graph {
	t.Helper()
	var def flow.Definition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	graph := flow.NewGraph(&def)
	require.NoError(t, graph.Validate())
	return graph
}
