package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig bounds the host/path label cardinality exposed to
// Prometheus — an unbounded path label on a multi-tenant proxy is a
// well-known cardinality bomb, so anything outside the observed top-K
// collapses to "other".
type MetricsConfig struct {
	HostTopK          int
	PathTopK          int
	RecomputeInterval time.Duration
}

// Metrics is the filter's internal Prometheus registry. It never crosses
// the wasm host boundary; only the localhost dev harness exposes it over
// /metrics, and tests query it directly.
type Metrics struct {
	registry           *prometheus.Registry
	topk               *TopK
	spansCaptured      *prometheus.CounterVec
	spansDropped       *prometheus.CounterVec
	replayOutcomes     *prometheus.CounterVec
	dispatchOutcomes   *prometheus.CounterVec
	bodyTruncated      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	queueHighWatermark prometheus.Gauge

	mu             sync.Mutex
	highWatermark  int64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()
	topk := NewTopK(cfg.HostTopK, cfg.PathTopK, cfg.RecomputeInterval)

	spansCaptured := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_spans_captured_total",
		Help: "Total HTTP transactions captured as spans",
	}, []string{"direction", "host", "path", "status_class"})

	spansDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_spans_dropped_total",
		Help: "Total spans dropped before successful ingestion",
	}, []string{"reason"})

	replayOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_replay_outcomes_total",
		Help: "Total replay lookups by outcome",
	}, []string{"outcome"})

	dispatchOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_backend_dispatch_total",
		Help: "Total out-of-band dispatches to the backend by outcome",
	}, []string{"kind", "outcome"})

	bodyTruncated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_body_truncated_total",
		Help: "Total captured bodies truncated at the configured cap",
	}, []string{"direction", "side"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sp_request_duration_seconds",
		Help:    "Captured transaction duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sp_ingestion_queue_depth_bytes",
		Help: "Current size of the pending ingestion queue in bytes",
	}, []string{})

	queueHighWatermark := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sp_ingestion_queue_high_watermark_bytes",
		Help: "Highest observed ingestion queue size in bytes",
	})

	registry.MustRegister(spansCaptured, spansDropped, replayOutcomes, dispatchOutcomes, bodyTruncated, requestDuration, queueDepth, queueHighWatermark)

	return &Metrics{
		registry:           registry,
		topk:               topk,
		spansCaptured:      spansCaptured,
		spansDropped:       spansDropped,
		replayOutcomes:     replayOutcomes,
		dispatchOutcomes:   dispatchOutcomes,
		bodyTruncated:      bodyTruncated,
		requestDuration:    requestDuration,
		queueDepth:         queueDepth,
		queueHighWatermark: queueHighWatermark,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCapture(direction, host, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	m.topk.ObserveHit(host, path)
	canonHost := m.topk.CanonHost(host)
	canonPath := m.topk.CanonPath(path)
	m.spansCaptured.WithLabelValues(direction, canonHost, canonPath, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(canonHost).Observe(duration.Seconds())
}

func (m *Metrics) RecordSpanDropped(reason string) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	if reason == "" {
		reason = "unknown"
	}
	m.spansDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReplayOutcome(outcome string) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	if outcome == "" {
		outcome = "n/a"
	}
	m.replayOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDispatchOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	m.dispatchOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordBodyTruncated(direction, side string) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	m.bodyTruncated.WithLabelValues(direction, side).Inc()
}

func (m *Metrics) SetQueueDepth(bytes int64) {
	if m == nil {
		return
	}
	defer func() { _ = recover() }()

	m.queueDepth.WithLabelValues().Set(float64(bytes))

	m.mu.Lock()
	if bytes > m.highWatermark {
		m.highWatermark = bytes
		m.queueHighWatermark.Set(float64(bytes))
	}
	m.mu.Unlock()
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
