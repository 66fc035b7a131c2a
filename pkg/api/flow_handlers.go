package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/middleware"
	"github.com/tcmartin/convoflow/pkg/registry"
)

// activateRequest is the optional body of activate
type activateRequest struct {
	Version int `json:"version"`
}

// validationResponse reports the outcome of a dry-run validation
type validationResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

func readDocument(r *http.Request) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest("failed to read flow document: %v", err)
	}
	if len(content) == 0 {
		return nil, badRequest("flow document is empty")
	}
	return content, nil
}

// handleListFlows lists the flows of the tenant. The name and active
// query parameters narrow the listing.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	q := r.URL.Query()

	var (
		flows []registry.FlowInfo
		err   error
	)
	if q.Get("name") != "" || q.Get("active") != "" {
		activeOnly, _ := strconv.ParseBool(q.Get("active"))
		flows, err = s.opts.Flows.Search(r.Context(), tenantID, registry.FlowSearchFilters{
			NameContains: q.Get("name"),
			ActiveOnly:   activeOnly,
		})
	} else {
		flows, err = s.opts.Flows.List(r.Context(), tenantID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if flows == nil {
		flows = []registry.FlowInfo{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// handleCreateFlow imports a YAML or JSON flow document. An existing flow
// with the same id gets a new version. With ?activate=true the stored
// version is activated right away.
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	content, err := readDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	def, err := s.opts.Flows.Import(r.Context(), tenantID, content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if activate, _ := strconv.ParseBool(r.URL.Query().Get("activate")); activate {
		def, err = s.opts.Flows.Activate(r.Context(), tenantID, def.ID, def.Version)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	def, err := s.opts.Flows.Get(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleUpdateFlow stores a new version of an existing flow
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	flowID := mux.Vars(r)["id"]

	content, err := readDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := s.opts.Loader.Parse(content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if def.ID != "" && def.ID != flowID {
		s.writeError(w, r, badRequest("document describes flow %s, not %s", def.ID, flowID))
		return
	}
	def.ID = flowID

	updated, err := s.opts.Flows.Update(r.Context(), tenantID, flowID, def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListFlowVersions(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	versions, err := s.opts.Flows.ListVersions(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetFlowVersion(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		s.writeError(w, r, badRequest("invalid version %q", vars["version"]))
		return
	}

	def, err := s.opts.Flows.GetVersion(r.Context(), tenantID, vars["id"], version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleActivateFlow validates a version and makes it the active one.
// Version 0 or no body selects the latest version.
func (s *Server) handleActivateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	var req activateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	def, err := s.opts.Flows.Activate(r.Context(), tenantID, mux.Vars(r)["id"], req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeactivateFlow(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.GetTenantID(r)
	flowID := mux.Vars(r)["id"]
	if err := s.opts.Flows.Deactivate(r.Context(), tenantID, flowID); err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := s.opts.Flows.Get(r.Context(), tenantID, flowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleValidateFlow checks a flow document without storing it
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	content, err := readDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.opts.Loader.Validate(content)
	if err == nil {
		writeJSON(w, http.StatusOK, validationResponse{Valid: true})
		return
	}

	var invalid *flow.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusOK, validationResponse{Problems: invalid.Problems})
		return
	}
	writeJSON(w, http.StatusOK, validationResponse{Problems: []string{err.Error()}})
}
