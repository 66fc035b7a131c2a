package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/models"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Update types sent to websocket clients
const (
	UpdateConnected    = "connected"
	UpdateSubscribed   = "subscribed"
	UpdateUnsubscribed = "unsubscribed"
	UpdateExecution    = "execution"
	UpdatePong         = "pong"
	UpdateError        = "error"
)

// Update is a message sent to a websocket client
type Update struct {
	Type         string               `json:"type"`
	ExecutionID  string               `json:"execution_id,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Message      string               `json:"message,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// ClientMessage is a message received from a websocket client
type ClientMessage struct {
	Type        string `json:"type"` // "subscribe", "unsubscribe", "ping"
	ExecutionID string `json:"execution_id,omitempty"`
}

// connection is one websocket client of a tenant. A connection without
// subscriptions receives every notification of its tenant.
type connection struct {
	conn          *websocket.Conn
	tenantID      string
	connectedAt   time.Time
	subscriptions map[string]bool

	// writes to a gorilla connection must not run concurrently
	writeMu sync.Mutex
}

func (c *connection) send(update Update) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(update)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Hub pushes execution notifications to websocket clients of the same tenant
type Hub struct {
	upgrader websocket.Upgrader

	// tenants maps tenant IDs to their connections
	tenants map[string]map[*connection]bool
	mu      sync.RWMutex

	logger logging.Logger
}

// NewHub creates a websocket hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, logger logging.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		tenants: make(map[string]map[*connection]bool),
		logger:  logger,
	}
}

// ServeWS upgrades the request and streams notifications of tenantID until
// the client disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", logging.Err(err))
		return
	}
	c := &connection{
		conn:          ws,
		tenantID:      tenantID,
		connectedAt:   time.Now(),
		subscriptions: make(map[string]bool),
	}
	h.register(c)
	defer h.unregister(c)

	h.logger.Debug("WebSocket connection established", logging.F("tenant_id", tenantID))
	if err := c.send(Update{Type: UpdateConnected, Timestamp: time.Now()}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingRoutine(ctx, c)

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read failed", logging.F("tenant_id", tenantID), logging.Err(err))
			}
			return
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) handleMessage(c *connection, msg ClientMessage) {
	now := time.Now()
	switch msg.Type {
	case "subscribe":
		if msg.ExecutionID == "" {
			c.send(Update{Type: UpdateError, Timestamp: now, Message: "execution_id is required"})
			return
		}
		h.mu.Lock()
		c.subscriptions[msg.ExecutionID] = true
		h.mu.Unlock()
		c.send(Update{Type: UpdateSubscribed, ExecutionID: msg.ExecutionID, Timestamp: now})
	case "unsubscribe":
		h.mu.Lock()
		delete(c.subscriptions, msg.ExecutionID)
		h.mu.Unlock()
		c.send(Update{Type: UpdateUnsubscribed, ExecutionID: msg.ExecutionID, Timestamp: now})
	case "ping":
		c.send(Update{Type: UpdatePong, Timestamp: now})
	default:
		c.send(Update{Type: UpdateError, Timestamp: now, Message: "unknown message type " + msg.Type})
	}
}

// Notify implements runtime.Notifier
func (h *Hub) Notify(ctx context.Context, n models.Notification) error {
	h.mu.RLock()
	var targets []*connection
	for c := range h.tenants[n.TenantID] {
		if len(c.subscriptions) == 0 || c.subscriptions[n.ExecutionID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	update := Update{Type: UpdateExecution, ExecutionID: n.ExecutionID, Timestamp: n.Timestamp, Notification: &n}
	for _, c := range targets {
		if err := c.send(update); err != nil {
			h.logger.Debug("Dropping websocket client after failed write", logging.F("tenant_id", c.tenantID), logging.Err(err))
			h.unregister(c)
		}
	}
	return nil
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tenants[c.tenantID] == nil {
		h.tenants[c.tenantID] = make(map[*connection]bool)
	}
	h.tenants[c.tenantID][c] = true
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	if conns, ok := h.tenants[c.tenantID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.tenants, c.tenantID)
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

// pingRoutine keeps the connection alive until ctx is done
func (h *Hub) pingRoutine(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// ConnectedClients returns the number of connected clients
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.tenants {
		total += len(conns)
	}
	return total
}
