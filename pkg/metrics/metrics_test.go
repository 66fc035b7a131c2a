package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ExecutionStarted("t1", "support")
	m.ExecutionStarted("t1", "support")
	m.ExecutionFinished("t1", "completed")
	m.InboundMessage("resume")
	m.NodeExecuted("api", "fail", 20*time.Millisecond)
	m.VersionConflict("sweep")
	m.InactivityAction("warning")
	m.Reengagement(false)
	m.SweepCompleted(3, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executionsStarted.WithLabelValues("t1", "support")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeFailures.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reengagements.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepDue))

	server := httptest.NewServer(Handler(registry))
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "convoflow_executions_started_total")
	assert.Contains(t, string(body), "convoflow_version_conflicts_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExecutionStarted("t", "f")
		m.ExecutionFinished("t", "error")
		m.InboundMessage("noop")
		m.NodeExecuted("menu", "suspend", time.Millisecond)
		m.VersionConflict("inbound")
		m.InactivityAction("end")
		m.SweepCompleted(0, 0)
		m.Reengagement(true)
		m.Notification("update")
	})
}
