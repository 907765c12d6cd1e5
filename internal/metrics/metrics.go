// Package metrics exports matching-engine counters and latencies in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reclaim"

// Recorder holds the service metrics. A nil *Recorder is valid and
// records nothing, so components can run without metrics in tests.
type Recorder struct {
	registry *prometheus.Registry

	pairsEvaluated  prometheus.Counter
	pairsRejected   *prometheus.CounterVec
	matchesEmitted  prometheus.Counter
	matchesStored   *prometheus.CounterVec
	validations     *prometheus.CounterVec
	embedLatency    *prometheus.HistogramVec
	embedFailures   *prometheus.CounterVec
	rerankFallbacks prometheus.Counter
	visualSearches  *prometheus.CounterVec
}

// Config configures the Recorder.
type Config struct {
	// Registry to register into; a new one is created when nil.
	Registry *prometheus.Registry
	// LatencyBuckets in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns default buckets sized for remote model calls.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}
}

// New creates and registers all collectors.
func New(cfg Config) *Recorder {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: registry,
		pairsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher",
			Name: "pairs_evaluated_total",
			Help: "Lost/found pairs considered by the matcher",
		}),
		pairsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher",
			Name: "pairs_rejected_total",
			Help: "Pairs dropped, by pipeline stage",
		}, []string{"stage"}),
		matchesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher",
			Name: "matches_emitted_total",
			Help: "Pairs that cleared the acceptance threshold",
		}),
		matchesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher",
			Name: "matches_persisted_total",
			Help: "Match records written or skipped as duplicates",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator",
			Name: "photos_total",
			Help: "Photo validations by outcome",
		}, []string{"outcome"}),
		embedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "embedding",
			Name:    "latency_seconds",
			Help:    "Model call latency",
			Buckets: cfg.LatencyBuckets,
		}, []string{"kind"}),
		embedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding",
			Name: "failures_total",
			Help: "Model call failures",
		}, []string{"kind"}),
		rerankFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher",
			Name: "rerank_fallbacks_total",
			Help: "Pairs scored with the bi-encoder because the cross-encoder failed",
		}),
		visualSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search",
			Name: "visual_total",
			Help: "Visual searches by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		r.pairsEvaluated,
		r.pairsRejected,
		r.matchesEmitted,
		r.matchesStored,
		r.validations,
		r.embedLatency,
		r.embedFailures,
		r.rerankFallbacks,
		r.visualSearches,
	)
	return r
}

// Handler serves the registry over HTTP.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) PairEvaluated() {
	if r != nil {
		r.pairsEvaluated.Inc()
	}
}

func (r *Recorder) PairRejected(stage string) {
	if r != nil {
		r.pairsRejected.WithLabelValues(stage).Inc()
	}
}

func (r *Recorder) MatchEmitted() {
	if r != nil {
		r.matchesEmitted.Inc()
	}
}

// MatchPersisted counts a write; created is false for duplicates.
func (r *Recorder) MatchPersisted(created bool) {
	if r == nil {
		return
	}
	result := "duplicate"
	if created {
		result = "created"
	}
	r.matchesStored.WithLabelValues(result).Inc()
}

func (r *Recorder) Validation(outcome string) {
	if r != nil {
		r.validations.WithLabelValues(outcome).Inc()
	}
}

// ObserveEmbed records one model call of kind (text, image, label, rerank).
func (r *Recorder) ObserveEmbed(kind string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.embedLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		r.embedFailures.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) RerankFallback() {
	if r != nil {
		r.rerankFallbacks.Inc()
	}
}

func (r *Recorder) VisualSearch(hits int) {
	if r == nil {
		return
	}
	result := "hit"
	if hits == 0 {
		result = "empty"
	}
	r.visualSearches.WithLabelValues(result).Inc()
}
