package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bitbow_inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "bitbow_step_duration_seconds",
		Help: "Duration of single decode steps",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbow_prefill_duration_seconds",
		Help:    "Duration of prompt prefill passes",
		Buckets: prometheus.DefBuckets,
	})

	PrefillTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbow_prefill_tokens",
		Help:    "Prompt lengths fed to prefill",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 4000},
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbow_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitbow_kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitbow_kv_cache_used_bytes",
		Help: "Current bytes used in the KV cache",
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitbow_model_load_duration_seconds",
		Help:    "Time spent mapping and validating checkpoints",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bitbow_generations_total",
		Help: "Completed generation turns by stop reason",
	}, []string{"stop_reason"})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bitbow_sessions_rejected_total",
		Help: "Generate calls rejected because the session was busy",
	})
)

func RecordStep(d time.Duration) {
	InferenceTokensTotal.Inc()
	StepDuration.Observe(d.Seconds())
}

func RecordPrefill(tokens int, d time.Duration) {
	PrefillTokens.Observe(float64(tokens))
	PrefillDuration.Observe(d.Seconds())
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordModelLoad(d time.Duration) {
	ModelLoadDuration.Observe(d.Seconds())
}

func RecordGeneration(stopReason string) {
	GenerationsTotal.WithLabelValues(stopReason).Inc()
}

func RecordSessionRejected() {
	SessionsRejected.Inc()
}
