package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_tokens_total",
		Help: "The total number of tokens emitted by decode steps",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "prefill_duration_seconds",
		Help: "Duration of prompt prefill passes",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_step_duration_seconds",
		Help: "Duration of single-token decode steps",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of matmul kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	DenseFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linear_dense_fallback_total",
		Help: "Times the quantized linear layer took the dense slow path",
	}, []string{"reason"})

	QuantLoadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_load_errors_total",
		Help: "Weight ingestion failures by error class",
	}, []string{"error"})

	QuantBlockScale = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quant_block_scale",
		Help:    "Distribution of per-block quantization scales seen at load",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1, 10},
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Current bytes holding valid history in KV cache",
	})

	KVCacheCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_cursor_position",
		Help: "Current write cursor of the KV cache",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds writes rejected",
	})

	CacheExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_exhausted_total",
		Help: "Times a decode step was refused because the cache was full",
	})

	LogitExportTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logit_export_records_total",
		Help: "Arrow records shipped to the logit collector",
	})

	LogitExportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logit_export_errors_total",
		Help: "Failed logit export attempts",
	})
)

// RecordKVCacheStats updates capacity/used gauges after allocation or cursor movement
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// RecordCursor tracks the shared decode cursor
func RecordCursor(pos int) {
	KVCacheCursor.Set(float64(pos))
}

// RecordKernelDuration observes one kernel invocation
func RecordKernelDuration(kernel string, d time.Duration) {
	KernelDuration.WithLabelValues(kernel).Observe(d.Seconds())
}

// RecordFallback counts a dense slow-path invocation
func RecordFallback(reason string) {
	DenseFallbackTotal.WithLabelValues(reason).Inc()
}

// RecordTokens adds to the running token count
func RecordTokens(n int) {
	totalTokens.Add(int64(n))
	TokensGeneratedTotal.Add(float64(n))
}

// TotalTokens returns the process-lifetime token count
func TotalTokens() int64 {
	return totalTokens.Load()
}
