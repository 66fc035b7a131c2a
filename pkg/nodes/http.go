package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// Branches taken by nodes that call external systems
const (
	BranchSuccess = "success"
	BranchEmpty   = "empty"
)

// HTTPCallHandler executes the api and webhook node types
type HTTPCallHandler struct {
	client        HTTPDoer
	defaultMethod string
}

// NewHTTPCallHandler creates a handler issuing calls through client
func NewHTTPCallHandler(client HTTPDoer, defaultMethod string) *HTTPCallHandler {
	return &HTTPCallHandler{client: client, defaultMethod: defaultMethod}
}

// Handle implements Handler
func (h *HTTPCallHandler) Handle(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.HTTPCallConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	if h.client == nil {
		return failed(errors.New("no HTTP client configured"))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = h.defaultMethod
	}
	url := req.Render(cfg.URL)

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = req.Render(v)
	}

	var body interface{}
	switch {
	case cfg.Body != "":
		body = req.Render(cfg.Body)
	case req.Node.Type == flow.NodeWebhook && method != http.MethodGet:
		body = map[string]interface{}{
			"execution_id": req.Execution.ID,
			"flow_id":      req.Execution.FlowID,
			"tenant_id":    req.Execution.TenantID,
			"contact_id":   req.Execution.ContactID,
			"node_id":      req.Node.ID,
			"variables":    req.Execution.Variables,
		}
	}

	var resp *utils.HTTPResponse
	err = withRetries(ctx, cfg.Retries, func() error {
		r, err := h.client.Do(ctx, &utils.HTTPRequest{
			URL:     url,
			Method:  method,
			Headers: headers,
			Body:    body,
			Timeout: callTimeout(cfg.TimeoutSeconds),
		})
		if err != nil {
			return err
		}
		if !r.IsSuccess() {
			statusErr := fmt.Errorf("%s %s returned status %d", method, url, r.StatusCode)
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return Result{Outcome: Fail{Err: fmt.Errorf("http call failed: %w", err), Branch: flow.LabelError}}, nil
	}

	updates := models.NewVariables(nil)
	if cfg.ResponseVariable != "" {
		updates.Set(cfg.ResponseVariable, resp.Body)
	}
	mapResponse(updates, resp.RawBody, cfg.ResponseMapping)

	return Result{Outcome: Continue{Branch: BranchSuccess, Updates: updates}}, nil
}

// mapResponse copies gjson paths of a JSON document into variables, in
// variable name order
func mapResponse(updates *models.Variables, raw []byte, mapping map[string]string) {
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := gjson.GetBytes(raw, mapping[name])
		if result.Exists() {
			updates.Set(name, result.Value())
		}
	}
}
