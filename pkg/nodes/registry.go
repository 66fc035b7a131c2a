package nodes

import (
	"errors"
	"sort"
	"sync"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// ErrNoHandler is returned when a node type has no registered handler
var ErrNoHandler = errors.New("no handler registered for node type")

// Registry maps node types to handlers
type Registry struct {
	handlers map[flow.NodeType]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a registry with a handler for every core node type
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{handlers: make(map[flow.NodeType]Handler)}

	r.Register(flow.NodeStart, HandlerFunc(handleStart))
	r.Register(flow.NodeMessage, HandlerFunc(handleMessage))
	r.Register(flow.NodeInternalMessage, HandlerFunc(handleInternalMessage))
	r.Register(flow.NodeEnd, HandlerFunc(handleEnd))
	r.Register(flow.NodeCondition, HandlerFunc(handleCondition))
	r.Register(flow.NodeInactivityTimeout, HandlerFunc(handleInactivityTimeout))
	r.Register(flow.NodeFlow, HandlerFunc(handleFlow))
	r.Register(flow.NodeAttendantHandoff, HandlerFunc(handleAttendantHandoff))
	r.Register(flow.NodeMenu, HandlerFunc(handleMenu))
	r.Register(flow.NodeQuestion, HandlerFunc(handleQuestion))
	r.Register(flow.NodeSchedule, HandlerFunc(handleSchedule))
	r.Register(flow.NodeAPI, NewHTTPCallHandler(deps.HTTP, "GET"))
	r.Register(flow.NodeWebhook, NewHTTPCallHandler(deps.HTTP, "POST"))
	r.Register(flow.NodeDatabase, NewDatabaseHandler(deps.Queries))
	r.Register(flow.NodeAIAssistant, NewAIAssistantHandler(deps.AI, deps.DefaultAIModel))
	r.Register(flow.NodeAppointment, NewAppointmentHandler(deps.Appointments))

	return r
}

// Register adds or replaces the handler of a node type
func (r *Registry) Register(nodeType flow.NodeType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = handler
}

// Get returns the handler of a node type
func (r *Registry) Get(nodeType flow.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Types lists the registered node types
func (r *Registry) Types() []flow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]flow.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
