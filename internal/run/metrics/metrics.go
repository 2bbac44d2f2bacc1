// Package metrics registers the Prometheus counters/histograms Cleanup &
// Store (spec.md §4.9 step 6) feeds from a run's RunMetrics, a
// domain-stack addition beyond the distilled spec's plain struct field.
//
// Grounded on the promauto package-level-var registration shape used
// throughout the retrieval pack's own metrics files (e.g.
// tombee-conductor/internal/action/file/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kandev/agentrun/internal/run/types"
)

var (
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_run_duration_seconds",
			Help:    "Duration of a single run, end to end.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	runTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_run_tokens_total",
			Help: "Total prompt/completion tokens consumed by runs.",
		},
		[]string{"kind"},
	)

	runModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_run_model_calls_total",
			Help: "Total model invocations across all runs.",
		},
		[]string{"status"},
	)

	runRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrun_run_retries_total",
		Help: "Total retry attempts across all runs.",
	})

	runsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_runs_total",
			Help: "Total completed runs by terminal status.",
		},
		[]string{"status"},
	)
)

// Observe records a terminal run's metrics. Called once per run, from
// Cleanup & Store, never from within the hot phase path.
func Observe(status types.RunStatus, m types.RunMetrics) {
	runDuration.WithLabelValues(string(status)).Observe(m.Duration.Seconds())
	runTokensTotal.WithLabelValues("prompt").Add(float64(m.PromptTokens))
	runTokensTotal.WithLabelValues("completion").Add(float64(m.CompletionTokens))
	runTokensTotal.WithLabelValues("total").Add(float64(m.TotalTokens))
	runModelCalls.WithLabelValues(string(status)).Add(float64(m.ModelCalls))
	if m.RetryCount > 0 {
		runRetriesTotal.Add(float64(m.RetryCount))
	}
	runsByStatus.WithLabelValues(string(status)).Inc()
}
