// Package metrics exposes Prometheus instrumentation for the flow engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoflow"

// Metrics holds Prometheus metrics for the engine and the inactivity monitor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Execution lifecycle
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec

	// Inbound message resolution
	inboundMessages *prometheus.CounterVec

	// Node handlers
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec

	// Concurrency
	versionConflicts *prometheus.CounterVec

	// Inactivity
	sweepActions      *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	sweepDue          prometheus.Gauge
	reengagements     *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of executions started",
		}, []string{"tenant", "flow"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Total number of executions that reached a terminal status",
		}, []string{"tenant", "status"}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound contact messages by resolution",
		}, []string{"resolution"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node handler invocations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type", "outcome"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_failures_total",
			Help:      "Node handler failures by node type",
		}, []string{"type"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Compare-and-set conflicts on execution writes by writer",
		}, []string{"writer"}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactivity_actions_total",
			Help:      "Inactivity actions applied by the monitor",
		}, []string{"action"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inactivity_sweep_duration_seconds",
			Help:      "Duration of inactivity sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inactivity_due_executions",
			Help:      "Executions found past their inactivity deadline in the last sweep",
		}),
		reengagements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reengagements_total",
			Help:      "Reengagement attempts by result",
		}, []string{"result"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Execution notifications emitted by action",
		}, []string{"action"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.executionsStarted,
			m.executionsFinished,
			m.inboundMessages,
			m.nodeDuration,
			m.nodeFailures,
			m.versionConflicts,
			m.sweepActions,
			m.sweepDuration,
			m.sweepDue,
			m.reengagements,
			m.notificationsSent,
		)
	}
	return m
}

// Handler serves the metrics of gatherer in the Prometheus text format
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ExecutionStarted counts a new execution
func (m *Metrics) ExecutionStarted(tenantID, flowID string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(tenantID, flowID).Inc()
}

// ExecutionFinished counts an execution reaching a terminal status
func (m *Metrics) ExecutionFinished(tenantID, status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(tenantID, status).Inc()
}

// InboundMessage counts an inbound message by how it was resolved
func (m *Metrics) InboundMessage(resolution string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(resolution).Inc()
}

// NodeExecuted observes a node handler invocation
func (m *Metrics) NodeExecuted(nodeType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType, outcome).Observe(d.Seconds())
	if outcome == "fail" {
		m.nodeFailures.WithLabelValues(nodeType).Inc()
	}
}

// VersionConflict counts a lost compare-and-set write
func (m *Metrics) VersionConflict(writer string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(writer).Inc()
}

// InactivityAction counts an action applied by the inactivity monitor
func (m *Metrics) InactivityAction(action string) {
	if m == nil {
		return
	}
	m.sweepActions.WithLabelValues(action).Inc()
}

// SweepCompleted observes a finished sweep
func (m *Metrics) SweepCompleted(due int, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDue.Set(float64(due))
	m.sweepDuration.Observe(d.Seconds())
}

// Reengagement counts a reengagement attempt outcome
func (m *Metrics) Reengagement(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.reengagements.WithLabelValues(result).Inc()
}

// Notification counts an emitted notification
func (m *Metrics) Notification(action string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(action).Inc()
}
