// Package metrics exposes the Prometheus instruments of the acquisition core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mangaverse"

// Outcome labels shared by the counters.
const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeError       = "error"
	OutcomeSaturated   = "saturated"
	OutcomePlaceholder = "placeholder"
)

// Metrics holds every instrument. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	SourceOps      *prometheus.CounterVec
	SourceDuration *prometheus.HistogramVec
	ChapterCache   *prometheus.CounterVec
	ProxyResponses *prometheus.CounterVec
	ProxyInFlight  prometheus.Gauge
	RefreshRuns    *prometheus.CounterVec
}

// New registers the instruments on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SourceOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_operations_total",
			Help:      "Source operations by source, operation and outcome (ok, empty or an error kind)",
		}, []string{"source", "op", "outcome"}),
		SourceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_operation_duration_seconds",
			Help:      "Wall time of one source operation",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		}, []string{"source", "op"}),
		ChapterCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapter_cache_lookups_total",
			Help:      "Chapter image cache lookups by result (hit, miss)",
		}, []string{"result"}),
		ProxyResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_proxy_responses_total",
			Help:      "Image proxy responses by outcome",
		}, []string{"outcome"}),
		ProxyInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_proxy_in_flight",
			Help:      "Upstream image fetches currently in flight",
		}),
		RefreshRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "popular_refresh_runs_total",
			Help:      "Popular cache refresh runs by outcome (ok, empty)",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSourceOp(source, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceOps.WithLabelValues(source, op, outcome).Inc()
	m.SourceDuration.WithLabelValues(source, op).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ChapterCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ProxyResponse(outcome string) {
	if m == nil {
		return
	}
	m.ProxyResponses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetProxyInFlight(n int32) {
	if m == nil {
		return
	}
	m.ProxyInFlight.Set(float64(n))
}

func (m *Metrics) RefreshRun(outcome string) {
	if m == nil {
		return
	}
	m.RefreshRuns.WithLabelValues(outcome).Inc()
}
