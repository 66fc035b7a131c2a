package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/models"
)

type recorder struct {
	mu   sync.Mutex
	got  []models.Notification
	fail error
}

func (r *recorder) Notify(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.fail
}

func (r *recorder) Received() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.got...)
}

func notification(tenant, execID string, action models.NotificationAction) models.Notification {
	return models.Notification{
		ExecutionID:      execID,
		TenantID:         tenant,
		ContactID:        "c-1",
		FlowID:           "support",
		Action:           action,
		Status:           models.StatusActive,
		InactivityStatus: models.InactivityActive,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	first := &recorder{fail: errors.New("first down")}
	second := &recorder{}
	third := &recorder{fail: errors.New("third down")}

	err := Multi{first, nil, second, third}.Notify(context.Background(), notification("t1", "e1", models.ActionUpdate))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Contains(t, err.Error(), "third down")
	assert.Len(t, second.Received(), 1)

	assert.NoError(t, Multi{second}.Notify(context.Background(), notification("t1", "e2", models.ActionUpdate)))
	assert.NoError(t, Nop{}.Notify(context.Background(), notification("t1", "e3", models.ActionUpdate)))
}

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("tenant"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, tenant string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=" + tenant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	update := read(t, conn)
	require.Equal(t, UpdateConnected, update.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update Update
	require.NoError(t, conn.ReadJSON(&update))
	return update
}

func TestHubDeliversToTenantClients(t *testing.T) {
	hub, srv := newHubServer(t)
	alice := dial(t, srv, "t1")
	other := dial(t, srv, "t2")
	assert.Equal(t, 2, hub.ConnectedClients())

	require.NoError(t, hub.Notify(context.Background(), notification("t1", "e1", models.ActionForceEnd)))

	update := read(t, alice)
	assert.Equal(t, UpdateExecution, update.Type)
	assert.Equal(t, "e1", update.ExecutionID)
	require.NotNil(t, update.Notification)
	assert.Equal(t, models.ActionForceEnd, update.Notification.Action)

	// the other tenant only sees its own pong
	require.NoError(t, other.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, UpdatePong, read(t, other).Type)
}

func TestHubSubscriptions(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dial(t, srv, "t1")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", ExecutionID: "e2"}))
	ack := read(t, conn)
	assert.Equal(t, UpdateSubscribed, ack.Type)
	assert.Equal(t, "e2", ack.ExecutionID)

	require.NoError(t, hub.Notify(context.Background(), notification("t1", "e1", models.ActionUpdate)))
	require.NoError(t, hub.Notify(context.Background(), notification("t1", "e2", models.ActionReengage)))

	update := read(t, conn)
	assert.Equal(t, "e2", update.ExecutionID)
	assert.Equal(t, models.ActionReengage, update.Notification.Action)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe"}))
	assert.Equal(t, UpdateError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "shout"}))
	bad := read(t, conn)
	assert.Equal(t, UpdateError, bad.Type)
	assert.Contains(t, bad.Message, "shout")
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dial(t, srv, "t1")
	require.Equal(t, 1, hub.ConnectedClients())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ConnectedClients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Notify(context.Background(), notification("t1", "e1", models.ActionUpdate)))
}

func readSSEData(t *testing.T, url, tenant string) models.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", tenant)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			var n models.Notification
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &n))
			return n
		}
	}
	t.Fatalf("no event received: %v", scanner.Err())
	return models.Notification{}
}

func TestSSEBroadcasterReplaysTenantStream(t *testing.T) {
	b := NewSSEBroadcaster(true)
	defer b.Close()

	require.NoError(t, b.Notify(context.Background(), notification("t1", "e1", models.ActionUpdate)))
	require.NoError(t, b.Notify(context.Background(), notification("t2", "e9", models.ActionForceEnd)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.ServeTenant(w, r, r.Header.Get("X-Tenant-ID"))
	}))
	defer srv.Close()

	// the client cannot pick another tenant's stream
	n := readSSEData(t, srv.URL+"/?stream=t2", "t1")
	assert.Equal(t, "e1", n.ExecutionID)
	assert.Equal(t, "t1", n.TenantID)
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := &recorder{}
	relay := NewRelay(client, "", local, nil)
	require.NoError(t, relay.Run(ctx))

	// published on the wrong tenant channel
	spoofed, err := json.Marshal(notification("t1", "e0", models.ActionUpdate))
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, ChannelFor("", "t2"), spoofed).Err())
	require.NoError(t, client.Publish(ctx, ChannelFor("", "t2"), "not json").Err())

	publisher := NewRedisPublisher(client, "")
	require.NoError(t, publisher.Notify(ctx, notification("t1", "e1", models.ActionForceEnd)))

	require.Eventually(t, func() bool { return len(local.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := local.Received()[0]
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, models.ActionForceEnd, got.Action)
	assert.Equal(t, "convoflow:executions:t1", ChannelFor("", "t1"))
}

func TestRedisPublisherReportsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPublisher(client, "x:").Notify(context.Background(), notification("t1", "e1", models.ActionUpdate))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution e1")
}
