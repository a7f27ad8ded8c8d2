package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genproxy_requests_total",
			Help: "Total number of generation requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genproxy_request_duration_seconds",
			Help:    "Generation request duration in seconds, including the full stream",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genproxy_tokens_total",
			Help: "Tokens reported by the provider in completion summaries",
		},
		[]string{"provider", "model", "type"},
	)

	TokensCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genproxy_tokens_committed_total",
			Help: "Cumulative token totals written to the usage store",
		},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genproxy_quota_denials_total",
			Help: "Requests rejected by the daily token quota",
		},
		[]string{"reason"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genproxy_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "stage"},
	)

	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genproxy_stream_frames_total",
			Help: "SSE frames written to clients",
		},
		[]string{"kind"},
	)

	GlobalTokensToday = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genproxy_global_tokens_today",
			Help: "Tokens used today across all users, as of the last quota check",
		},
	)

	GlobalUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genproxy_global_usage_ratio",
			Help: "Global daily token usage as a fraction of the limit",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genproxy_upstream_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genproxy_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genproxy_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version", "provider"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, candidateTokens int64) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "candidates").Add(float64(candidateTokens))
}

func RecordTokensCommitted(tokens int64) {
	TokensCommitted.Add(float64(tokens))
}

func RecordQuotaDenial(reason string) {
	QuotaDenials.WithLabelValues(reason).Inc()
}

func RecordProviderError(provider, stage string) {
	ProviderErrors.WithLabelValues(provider, stage).Inc()
}

func RecordFrame(kind string) {
	StreamFrames.WithLabelValues(kind).Inc()
}

func SetGlobalUsage(used int64, ratio float64) {
	GlobalTokensToday.Set(float64(used))
	GlobalUsageRatio.Set(ratio)
}

var currentPodName string

// InitInstanceMetrics records the instance identity. Call once at startup.
func SetBreakerState(provider string, state float64) {
	BreakerState.WithLabelValues(provider).Set(state)
}

func InitInstanceMetrics(podName, version, provider string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version, provider).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
