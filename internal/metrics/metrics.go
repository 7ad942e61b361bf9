// Package metrics exposes gateway counters on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts completed chat requests by routed model and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "requests_total",
		Help:      "Completed chat completion requests.",
	}, []string{"model", "rule", "status"})

	// RequestDuration observes end-to-end request latency per routed model.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pearl",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model"})

	// TokensTotal counts tokens by routed model and direction (input|output).
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "tokens_total",
		Help:      "Tokens consumed, by direction.",
	}, []string{"model", "direction"})

	// MemoriesInjectedTotal counts memories injected into prompts.
	MemoriesInjectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "memories_injected_total",
		Help:      "Memories injected into system prompts.",
	})

	// FallbacksTotal counts fallback transitions between models.
	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "fallbacks_total",
		Help:      "Fallback transitions after backend failures.",
	}, []string{"from", "to"})

	// SunriseInjectionsTotal counts session recovery summaries injected.
	SunriseInjectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "sunrise_injections_total",
		Help:      "Session recovery summaries injected.",
	})

	// ExtractionQueueDepth tracks the backlog of the async extraction worker.
	ExtractionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pearl",
		Name:      "extraction_queue_depth",
		Help:      "Queued items awaiting memory extraction.",
	})

	// MemoriesExtractedTotal counts memories persisted by the extraction worker.
	MemoriesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "memories_extracted_total",
		Help:      "Memories persisted by the extraction worker.",
	})

	// MemoriesPrunedTotal counts expired memories removed by the pruner.
	MemoriesPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pearl",
		Name:      "memories_pruned_total",
		Help:      "Expired memories removed by the background pruner.",
	})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
