package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	workItems         *prometheus.CounterVec
	workItemDuration  *prometheus.HistogramVec
	toolExecutions    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	eventsAppended    *prometheus.CounterVec
	appendConflicts   prometheus.Counter
	publishFailures   prometheus.Counter
	decodeFailures    prometheus.Counter
	approvalsResolved *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		workItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "work_items_total",
			Help: "Work items handled, by work type and outcome.",
		}, []string{"work_type", "outcome"}),
		workItemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun", Name: "work_item_duration_seconds",
			Help:    "Work item handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"work_type"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun", Name: "tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "events_appended_total",
			Help: "Events committed to the event store, by type.",
		}, []string{"event_type"}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "append_conflicts_total",
			Help: "Appends rejected by the expected-sequence check.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "publish_failures_total",
			Help: "Event fan-out failures.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "event_decode_failures_total",
			Help: "Stored events skipped during replay.",
		}),
		approvalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Name: "approvals_resolved_total",
			Help: "Approval resolutions, by decision.",
		}, []string{"decision"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workItems, m.workItemDuration, m.toolExecutions, m.toolDuration,
		m.eventsAppended, m.appendConflicts, m.publishFailures, m.decodeFailures,
		m.approvalsResolved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveWorkItem(workType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.workItems.WithLabelValues(workType, outcome).Inc()
	m.workItemDuration.WithLabelValues(workType).Observe(d.Seconds())
}

func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AppendConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) ApprovalResolved(decision string) {
	if m == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(decision).Inc()
}
