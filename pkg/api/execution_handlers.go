package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tcmartin/convoflow/pkg/middleware"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/runtime"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// reasonRequest is the optional body of pause, cancel and force-end
type reasonRequest struct {
	Reason string `json:"reason"`
}

// resumeRequest is the optional body of resume
type resumeRequest struct {
	NextNodeID string                 `json:"next_node_id"`
	Variables  map[string]interface{} `json:"variables"`
}

// variableRequest is the body of a variable update
type variableRequest struct {
	Value interface{} `json:"value"`
}

// owned loads an execution and hides executions of other tenants
func (s *Server) owned(ctx context.Context, tenantID, id string) (*models.Execution, error) {
	exec, err := s.opts.Engine.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.TenantID != tenantID {
		return nil, storage.ErrExecutionNotFound
	}
	return exec, nil
}

// handleInboundMessage handles a contact message delivered by the messaging service
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)

	var msg models.InboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if msg.TenantID != "" && msg.TenantID != tenantID {
		s.writeError(w, r, badRequest("message tenant %s does not match %s", msg.TenantID, tenantID))
		return
	}
	msg.TenantID = tenantID

	result, err := s.opts.Engine.HandleInbound(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecute starts a flow for a contact
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)

	var req runtime.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.TenantID = tenantID

	exec, err := s.opts.Engine.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// handleListExecutions lists the executions of the tenant, newest first
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	q := r.URL.Query()

	filter := models.ExecutionFilter{
		TenantID:         tenantID,
		FlowID:           q.Get("flow_id"),
		ContactID:        q.Get("contact_id"),
		Status:           models.Status(q.Get("status")),
		InactivityStatus: models.InactivityStatus(q.Get("inactivity_status")),
	}

	var page models.Pagination
	for name, target := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("invalid %s %q", name, raw))
			return
		}
		*target = n
	}

	result, err := s.opts.Engine.ListExecutions(r.Context(), filter, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	exec, err := s.owned(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	id := mux.Vars(r)["id"]
	if _, err := s.owned(r.Context(), tenantID, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	logs, err := s.opts.Engine.ExecutionLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// control runs a control operation on an execution owned by the tenant
func (s *Server) control(w http.ResponseWriter, r *http.Request, body interface{}, op func(ctx context.Context, id string) (*models.Execution, error)) {
	tenantID, _ := middleware.GetTenantID(r)
	id := mux.Vars(r)["id"]
	if err := decodeJSON(r, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.owned(r.Context(), tenantID, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	exec, err := op(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	s.control(w, r, &req, func(ctx context.Context, id string) (*models.Execution, error) {
		return s.opts.Engine.Pause(ctx, id, req.Reason)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	s.control(w, r, &req, func(ctx context.Context, id string) (*models.Execution, error) {
		return s.opts.Engine.Resume(ctx, id, req.NextNodeID, req.Variables)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	s.control(w, r, &req, func(ctx context.Context, id string) (*models.Execution, error) {
		return s.opts.Engine.Cancel(ctx, id, req.Reason)
	})
}

func (s *Server) handleForceEnd(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	s.control(w, r, &req, func(ctx context.Context, id string) (*models.Execution, error) {
		return s.opts.Engine.ForceEnd(ctx, id, req.Reason)
	})
}

func (s *Server) handleUpdateVariable(w http.ResponseWriter, r *http.Request) {
	var req variableRequest
	key := mux.Vars(r)["key"]
	s.control(w, r, &req, func(ctx context.Context, id string) (*models.Execution, error) {
		return s.opts.Engine.UpdateVariable(ctx, id, key, req.Value)
	})
}

// handleInactivityCheck applies the inactivity policy to one execution now
func (s *Server) handleInactivityCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	id := mux.Vars(r)["id"]
	if _, err := s.owned(r.Context(), tenantID, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	action, err := s.opts.Inactivity.Check(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.opts.Engine.GetExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action":    action,
		"execution": exec,
	})
}
