// Package metrics exposes the execution fabric's Prometheus collectors: one
// package-level registry built fresh on init and on every Reset (tests run
// against a clean set rather than accumulating state across cases), and a
// handful of Observe/Inc functions every other package calls into without
// needing a reference to the registry itself.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	executionsTotal      *prometheus.CounterVec
	executionDuration     *prometheus.HistogramVec
	eventsIngested        *prometheus.CounterVec
	eventDeliveriesTotal  *prometheus.CounterVec
	schedulerJobDuration  *prometheus.HistogramVec
	schedulerJobFailures  *prometheus.CounterVec
	workflowROITimeSaved  *prometheus.GaugeVec
	workflowROIValue      *prometheus.GaugeVec
	orgROITimeSaved       *prometheus.GaugeVec
	orgROIValue           *prometheus.GaugeVec
	wsConnectedSessions   prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes every collector. Tests call this between
// cases so counters/gauges observed in one test never leak into the next.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an http.Handler exposing the current registry in the
// Prometheus text exposition format, mounted by cmd/gateway at /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveExecution records one terminal execution outcome, called from
// internal/worker's pipeline once a run reaches a terminal status.
func ObserveExecution(status string, duration time.Duration) {
	label := sanitizeLabel(status)
	mu.RLock()
	defer mu.RUnlock()
	if executionsTotal != nil {
		executionsTotal.WithLabelValues(label).Inc()
	}
	if executionDuration != nil {
		executionDuration.WithLabelValues(label).Observe(duration.Seconds())
	}
}

// ObserveEventIngested records one webhook payload accepted (or rejected)
// by internal/events' adapter dispatch.
func ObserveEventIngested(adapter, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsIngested != nil {
		eventsIngested.WithLabelValues(sanitizeLabel(adapter), sanitizeLabel(outcome)).Inc()
	}
}

// ObserveEventDelivery records one event delivery reaching a terminal
// status, success or failed.
func ObserveEventDelivery(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventDeliveriesTotal != nil {
		eventDeliveriesTotal.WithLabelValues(sanitizeLabel(status)).Inc()
	}
}

// ObserveSchedulerJob records one scheduler job tick's outcome and latency,
// called from internal/scheduler's runGuarded wrapper around every Job.
func ObserveSchedulerJob(name string, duration time.Duration, failed bool) {
	label := sanitizeLabel(name)
	mu.RLock()
	defer mu.RUnlock()
	if schedulerJobDuration != nil {
		schedulerJobDuration.WithLabelValues(label).Observe(duration.Seconds())
	}
	if failed && schedulerJobFailures != nil {
		schedulerJobFailures.WithLabelValues(label).Inc()
	}
}

// SetWorkflowROI publishes the latest per-workflow daily ROI aggregate,
// called by MetricsSnapshotJob once per tick.
func SetWorkflowROI(workflowID string, timeSavedMinutes, value float64) {
	mu.RLock()
	defer mu.RUnlock()
	if workflowROITimeSaved != nil {
		workflowROITimeSaved.WithLabelValues(workflowID).Set(timeSavedMinutes)
	}
	if workflowROIValue != nil {
		workflowROIValue.WithLabelValues(workflowID).Set(value)
	}
}

// SetOrgROI publishes the latest per-organization daily ROI aggregate.
func SetOrgROI(organizationID string, timeSavedMinutes, value float64) {
	mu.RLock()
	defer mu.RUnlock()
	if orgROITimeSaved != nil {
		orgROITimeSaved.WithLabelValues(organizationID).Set(timeSavedMinutes)
	}
	if orgROIValue != nil {
		orgROIValue.WithLabelValues(organizationID).Set(value)
	}
}

// SetWSConnectedSessions publishes the gateway's current WebSocket session
// count, polled from ws.Hub.ConnectedCount.
func SetWSConnectedSessions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if wsConnectedSessions != nil {
		wsConnectedSessions.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	execTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Total terminal executions by status.",
	}, []string{"status"})

	execDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "worker",
		Name:      "execution_duration_seconds",
		Help:      "Duration of executions by terminal status.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"status"})

	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "events",
		Name:      "ingested_total",
		Help:      "Total webhook payloads handled by adapter and outcome.",
	}, []string{"adapter", "outcome"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "events",
		Name:      "deliveries_total",
		Help:      "Total event deliveries reaching a terminal status.",
	}, []string{"status"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Duration of scheduler job ticks by job name.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"job"})

	jobFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "scheduler",
		Name:      "job_failures_total",
		Help:      "Total failed scheduler job ticks by job name.",
	}, []string{"job"})

	wfTimeSaved := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "roi",
		Name:      "workflow_time_saved_minutes",
		Help:      "Most recent daily time-saved aggregate by workflow.",
	}, []string{"workflow_id"})

	wfValue := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "roi",
		Name:      "workflow_value",
		Help:      "Most recent daily value aggregate by workflow.",
	}, []string{"workflow_id"})

	orgTimeSaved := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "roi",
		Name:      "organization_time_saved_minutes",
		Help:      "Most recent daily time-saved aggregate by organization.",
	}, []string{"organization_id"})

	orgValue := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "roi",
		Name:      "organization_value",
		Help:      "Most recent daily value aggregate by organization.",
	}, []string{"organization_id"})

	wsSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bifrost",
		Subsystem: "ws",
		Name:      "connected_sessions",
		Help:      "Current number of connected WebSocket sessions on this gateway instance.",
	})

	registry.MustRegister(execTotal, execDuration, ingested, deliveries, jobDuration, jobFailures,
		wfTimeSaved, wfValue, orgTimeSaved, orgValue, wsSessions)

	reg = registry
	executionsTotal = execTotal
	executionDuration = execDuration
	eventsIngested = ingested
	eventDeliveriesTotal = deliveries
	schedulerJobDuration = jobDuration
	schedulerJobFailures = jobFailures
	workflowROITimeSaved = wfTimeSaved
	workflowROIValue = wfValue
	orgROITimeSaved = orgTimeSaved
	orgROIValue = orgValue
	wsConnectedSessions = wsSessions
}

func sanitizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}
