package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Tenant string
	Body   []byte
}

func recordingServer(t *testing.T, status int, answer string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Tenant: r.Header.Get("X-Tenant-ID"),
			Body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, answer)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "cli.json")))
	err := cmd.Execute()
	return out.String(), err
}

func TestFlowImport(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusCreated, `{"id":"support","version":1}`)
	doc := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("id: support\n"), 0600))

	out, err := run(t, "--server", srv.URL+"/", "--tenant", "t1", "flow", "import", doc, "--activate")
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/flows", req.Path)
	assert.Equal(t, "activate=true", req.Query)
	assert.Equal(t, "t1", req.Tenant)
	assert.Equal(t, "id: support\n", string(req.Body))
	assert.Contains(t, out, `"version": 1`)
}

func TestExecutionStartSendsVariables(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusCreated, `{"id":"e1"}`)

	_, err := run(t, "--server", srv.URL, "--tenant", "t1",
		"execution", "start", "--flow", "support", "--contact", "c1", "--var", "count=3", "--var", "name=Ana")
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal((*requests)[0].Body, &body))
	assert.Equal(t, "support", body["flow_id"])
	assert.Equal(t, "c1", body["contact_id"])
	assert.Equal(t, map[string]interface{}{"count": float64(3), "name": "Ana"}, body["initial_variables"])
}

func TestControlCommands(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, `{"id":"e1"}`)
	base := []string{"--server", srv.URL, "--tenant", "t1", "exec"}

	_, err := run(t, append(base, "pause", "e1", "--reason", "review")...)
	require.NoError(t, err)
	_, err = run(t, append(base, "set", "e1", "plan", "gold")...)
	require.NoError(t, err)

	require.Len(t, *requests, 2)
	assert.Equal(t, "/api/v1/executions/e1/pause", (*requests)[0].Path)
	assert.JSONEq(t, `{"reason":"review"}`, string((*requests)[0].Body))
	assert.Equal(t, http.MethodPut, (*requests)[1].Method)
	assert.Equal(t, "/api/v1/executions/e1/variables/plan", (*requests)[1].Path)
	assert.JSONEq(t, `{"value":"gold"}`, string((*requests)[1].Body))
}

func TestServerErrorsAreReturned(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict, `{"error":"cannot pause execution e1 in status paused","status":"paused"}`)

	_, err := run(t, "--server", srv.URL, "--tenant", "t1", "exec", "pause", "e1")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "status paused")
}

func TestTenantRequired(t *testing.T) {
	_, err := run(t, "--server", "http://localhost:1", "flow", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant is required")
}

func TestValidateLocally(t *testing.T) {
	out, err := run(t, "flow", "validate", "../../examples/flows/support.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "Flow is valid")

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("id: broken\nstart_node_id: nowhere\nnodes:\n  - id: start\n    type: start\n"), 0600))
	out, err = run(t, "flow", "validate", broken)
	require.Error(t, err)
	assert.Contains(t, out, "- ")
}

func TestConfigureRoundTrip(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, `[]`)
	path := filepath.Join(t.TempDir(), "cli.json")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"configure", "--server", srv.URL, "--tenant", "acme", "--config", path})
	require.NoError(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"flow", "list", "--config", path})
	require.NoError(t, cmd.Execute())

	require.Len(t, *requests, 1)
	assert.Equal(t, "acme", (*requests)[0].Tenant)
}

func TestParseAssignments(t *testing.T) {
	vars, err := parseAssignments([]string{"a=1", "b=true", `c={"x":1}`, "d=plain text"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), vars["a"])
	assert.Equal(t, true, vars["b"])
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, vars["c"])
	assert.Equal(t, "plain text", vars["d"])

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
}
