package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion pipeline's prometheus collectors.
type Metrics struct {
	reg prometheus.Gatherer

	// Runs counts pipeline runs by kind (forward, backfill) and result.
	Runs         *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	Messages     *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	CacheHits    prometheus.Counter
	Extractions  *prometheus.CounterVec
	ExtractCost  prometheus.Counter
	ExtractToken *prometheus.CounterVec
	LastUID      *prometheus.GaugeVec
	Backfill     *prometheus.GaugeVec
	EventDrops   prometheus.Counter
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg. Each call needs its own registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_runs_total",
			Help: "Pipeline runs by kind and result.",
		}, []string{"kind", "result"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "applytrack_run_duration_seconds",
			Help:    "Pipeline run duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_messages_total",
			Help: "Messages handled by outcome (stored, skipped, fetch_error, parse_error, duplicate).",
		}, []string{"outcome"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_classifier_decisions_total",
			Help: "Header classifier decisions.",
		}, []string{"decision"}),

		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "applytrack_header_cache_hits_total",
			Help: "Classifications answered from the header cache.",
		}),

		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_extractions_total",
			Help: "Extraction calls by model and status.",
		}, []string{"model", "status"}),

		ExtractCost: f.NewCounter(prometheus.CounterOpts{
			Name: "applytrack_extraction_cost_usd_total",
			Help: "Extraction spend in USD.",
		}),

		ExtractToken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_extraction_tokens_total",
			Help: "Extraction tokens by kind (prompt, completion).",
		}, []string{"kind"}),

		LastUID: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "applytrack_forward_last_uid",
			Help: "Forward watermark per mailbox.",
		}, []string{"mailbox"}),

		Backfill: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "applytrack_backfill_progress_percent",
			Help: "Backfill sweep progress per mailbox.",
		}, []string{"mailbox"}),

		EventDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "applytrack_event_drops_total",
			Help: "Live events dropped for slow listeners.",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrack_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests and
// commands that never expose /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
