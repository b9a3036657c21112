package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, tracking:
//   - Context cache behavior (hits, misses, evictions, entry count)
//   - Background summarization outcomes and latencies
//   - LLM request performance and token consumption
//   - Degraded-path events (hydration failures, token underflows)
type Metrics struct {
	// CacheOps counts context cache lookups by outcome.
	// Labels: outcome (hit|miss)
	CacheOps *prometheus.CounterVec

	// CacheEvictions counts entries evicted from the context cache.
	CacheEvictions prometheus.Counter

	// CacheEntries is a gauge of currently cached chat contexts.
	CacheEntries prometheus.Gauge

	// PendingSummarizations is a gauge of in-flight background folds.
	PendingSummarizations prometheus.Gauge

	// SummarizationRuns counts worker outcomes.
	// Labels: outcome (success|error|skipped|aborted)
	SummarizationRuns *prometheus.CounterVec

	// SummarizationDuration measures fold latency in seconds.
	SummarizationDuration prometheus.Histogram

	// FoldedTurns counts turns compacted into summaries.
	FoldedTurns prometheus.Counter

	// FoldedTokens counts estimated tokens reclaimed by folds.
	FoldedTokens prometheus.Counter

	// HydrationFailures counts cache-miss loads that had to degrade to an
	// empty context.
	HydrationFailures prometheus.Counter

	// TokenUnderflows counts fold decrements clamped at zero.
	TokenUnderflows prometheus.Counter

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry registers metrics against a caller-supplied
// registry. Tests use this to get isolated instances.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatctx_cache_ops_total",
				Help: "Context cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatctx_cache_evictions_total",
				Help: "Context cache entries evicted by LRU pressure or TTL",
			},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatctx_cache_entries",
				Help: "Current number of cached chat contexts",
			},
		),

		PendingSummarizations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatctx_pending_summarizations",
				Help: "Background summarizations currently in flight",
			},
		),

		SummarizationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatctx_summarization_runs_total",
				Help: "Background summarization outcomes",
			},
			[]string{"outcome"},
		),

		SummarizationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatctx_summarization_duration_seconds",
				Help:    "Duration of background summarization folds in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		FoldedTurns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatctx_folded_turns_total",
				Help: "Turns compacted into rolling summaries",
			},
		),

		FoldedTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatctx_folded_tokens_total",
				Help: "Estimated tokens reclaimed by summarization",
			},
		),

		HydrationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatctx_hydration_failures_total",
				Help: "Cache-miss loads degraded to an empty context",
			},
		),

		TokenUnderflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatctx_token_underflows_total",
				Help: "Fold token decrements clamped at zero",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatctx_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatctx_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatctx_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
	}
}

// CacheHit increments the hit counter.
func (m *Metrics) CacheHit() {
	m.CacheOps.WithLabelValues("hit").Inc()
}

// CacheMiss increments the miss counter.
func (m *Metrics) CacheMiss() {
	m.CacheOps.WithLabelValues("miss").Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordSummarization records a worker outcome with duration and fold size.
func (m *Metrics) RecordSummarization(outcome string, durationSeconds float64, foldedTurns, foldedTokens int) {
	m.SummarizationRuns.WithLabelValues(outcome).Inc()
	m.SummarizationDuration.Observe(durationSeconds)
	if foldedTurns > 0 {
		m.FoldedTurns.Add(float64(foldedTurns))
	}
	if foldedTokens > 0 {
		m.FoldedTokens.Add(float64(foldedTokens))
	}
}
