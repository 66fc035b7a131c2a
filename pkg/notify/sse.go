package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/convoflow/pkg/models"
)

// EventExecution is the SSE event name of execution notifications
const EventExecution = "execution"

// SSEBroadcaster streams notifications as server-sent events, one stream per tenant
type SSEBroadcaster struct {
	server *sse.Server
}

// NewSSEBroadcaster creates a broadcaster. With replay enabled new
// subscribers first receive every event already published to their stream.
// The replay log of a stream is never trimmed, so it holds every event the
// tenant received since startup.
func NewSSEBroadcaster(replay bool) *SSEBroadcaster {
	server := sse.New()
	server.AutoStream = true
	server.AutoReplay = replay
	return &SSEBroadcaster{server: server}
}

// Notify implements Notifier
func (b *SSEBroadcaster) Notify(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if !b.server.StreamExists(n.TenantID) {
		b.server.CreateStream(n.TenantID)
	}
	b.server.Publish(n.TenantID, &sse.Event{
		Event: []byte(EventExecution),
		Data:  data,
	})
	return nil
}

// ServeTenant streams the events of tenantID. The stream is chosen by the
// server, never by the client.
func (b *SSEBroadcaster) ServeTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	query := r.URL.Query()
	query.Set("stream", tenantID)
	scoped := r.Clone(r.Context())
	scoped.URL.RawQuery = query.Encode()
	b.server.ServeHTTP(w, scoped)
}

// Close ends every open stream
func (b *SSEBroadcaster) Close() {
	b.server.Close()
}
