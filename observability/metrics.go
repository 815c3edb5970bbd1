package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	orchestratorOnce sync.Once
	orchestratorReg  *OrchestratorMetrics

	httpOnce sync.Once
	httpReg  *HTTPMetrics
)

// OrchestratorMetrics bundles the collectors tracking job, node and payment
// activity.
type OrchestratorMetrics struct {
	jobs           *prometheus.CounterVec
	pendingJobs    prometheus.Gauge
	connectedNodes prometheus.Gauge
	payments       *prometheus.CounterVec
	settleLatency  prometheus.Histogram
	frames         *prometheus.CounterVec
}

// Orchestrator returns the lazily-initialised orchestrator metrics registry.
func Orchestrator() *OrchestratorMetrics {
	orchestratorOnce.Do(func() {
		orchestratorReg = &OrchestratorMetrics{
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridmesh",
				Subsystem: "scheduler",
				Name:      "jobs_total",
				Help:      "Count of jobs reaching each lifecycle outcome.",
			}, []string{"outcome"}),
			pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gridmesh",
				Subsystem: "scheduler",
				Name:      "pending_jobs",
				Help:      "Jobs currently waiting in the dispatch queue.",
			}),
			connectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gridmesh",
				Subsystem: "registry",
				Name:      "connected_nodes",
				Help:      "Nodes currently attached to the registry.",
			}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridmesh",
				Subsystem: "payments",
				Name:      "cents_total",
				Help:      "Cents moved through the ledger segmented by leg.",
			}, []string{"leg"}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "gridmesh",
				Subsystem: "payments",
				Name:      "settle_duration_seconds",
				Help:      "Latency from job completion frame to ledger settlement.",
				Buckets:   prometheus.DefBuckets,
			}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridmesh",
				Subsystem: "channel",
				Name:      "frames_total",
				Help:      "Frames processed on the node channel segmented by type and direction.",
			}, []string{"type", "direction"}),
		}
		prometheus.MustRegister(
			orchestratorReg.jobs,
			orchestratorReg.pendingJobs,
			orchestratorReg.connectedNodes,
			orchestratorReg.payments,
			orchestratorReg.settleLatency,
			orchestratorReg.frames,
		)
	})
	return orchestratorReg
}

// RecordJobOutcome increments the lifecycle counter for the given outcome.
func (m *OrchestratorMetrics) RecordJobOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// SetPendingJobs updates the dispatch queue depth gauge.
func (m *OrchestratorMetrics) SetPendingJobs(n int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}

// SetConnectedNodes updates the live node gauge.
func (m *OrchestratorMetrics) SetConnectedNodes(n int) {
	if m == nil {
		return
	}
	m.connectedNodes.Set(float64(n))
}

// RecordPaymentLeg adds cents to the counter for one ledger leg. Legs should
// be stable strings such as "held", "settled_node", "settled_fee" or
// "refunded" so dashboards stay consistent.
func (m *OrchestratorMetrics) RecordPaymentLeg(leg string, cents int64) {
	if m == nil || cents < 0 {
		return
	}
	m.payments.WithLabelValues(leg).Add(float64(cents))
}

// ObserveSettle records how long a settlement took.
func (m *OrchestratorMetrics) ObserveSettle(d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.Observe(d.Seconds())
}

// RecordFrame counts one frame on the node channel. Direction is "in" or
// "out".
func (m *OrchestratorMetrics) RecordFrame(frameType, direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType, direction).Inc()
}

// HTTPMetrics wraps the request collectors used by the API middleware.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the singleton HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gridmesh",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route group and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gridmesh",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.latency)
	})
	return httpReg
}

// Observe records the outcome of one request.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
