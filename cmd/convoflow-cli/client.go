package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient calls the convoflow API on behalf of one tenant
type apiClient struct {
	baseURL  string
	tenantID string
	http     *http.Client
}

// apiError is a non-2xx answer of the server
type apiError struct {
	StatusCode int
	Message    string
	Problems   []string
}

func (e *apiError) Error() string {
	if len(e.Problems) > 0 {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *cli) client() (*apiClient, error) {
	if c.serverURL == "" {
		return nil, fmt.Errorf("server URL is required (--server or configure)")
	}
	if c.tenantID == "" {
		return nil, fmt.Errorf("tenant is required (--tenant or configure)")
	}
	return &apiClient{
		baseURL:  strings.TrimRight(c.serverURL, "/"),
		tenantID: c.tenantID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends a request to path under /api/v1 and returns the raw answer.
// A string body is sent as is, anything else is encoded as JSON.
func (a *apiClient) do(method, path string, query url.Values, body interface{}) ([]byte, error) {
	var reader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/yaml"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := a.baseURL + "/api/v1" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Tenant-ID", a.tenantID)
	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed struct {
			Error    string   `json:"error"`
			Problems []string `json:"problems"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Problems = parsed.Problems
		}
		return nil, apiErr
	}
	return data, nil
}

// printJSON pretty prints a JSON answer
func printJSON(w io.Writer, data []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}
