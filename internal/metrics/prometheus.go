package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/northoaks/contract-ai/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contract_ai_query_duration_seconds",
			Help:    "Chat message processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"intent"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_query_total",
			Help: "Total number of chat messages processed",
		},
		[]string{"intent", "outcome"},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contract_ai_vector_results_count",
			Help:    "Number of vector results per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_llm_prompt_tokens_total",
			Help: "Estimated prompt tokens sent to the generation backend",
		},
		[]string{"model"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_documents_processed_total",
			Help: "Total documents processed, by outcome",
		},
		[]string{"outcome"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_ai_chunks_indexed_total",
			Help: "Total chunks embedded and written to the vector index",
		},
	)

	ChunkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_ai_chunk_failures_total",
			Help: "Chunks skipped because embedding or upsert failed",
		},
	)

	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contract_ai_job_queue_depth",
			Help: "Background jobs waiting for a worker",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_jobs_total",
			Help: "Background jobs run, by status",
		},
		[]string{"status"},
	)

	VectorPurges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ai_vector_purges_total",
			Help: "Vector purge attempts for deleted documents",
		},
		[]string{"source", "status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contract_ai_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(VectorResultsCount)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(ChunkFailures)
	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(VectorPurges)
	prometheus.MustRegister(BreakerState)
}

// BreakerStateChanged is a circuitbreaker.StateChangeFunc.
func BreakerStateChanged(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
