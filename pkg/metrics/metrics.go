package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue/task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_tasks_total",
			Help: "Total number of tasks by repo and status",
		},
		[]string{"repo", "status"},
	)

	TaskClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_tasks_claimed_total",
			Help: "Total number of tasks claimed by repo",
		},
		[]string{"repo"},
	)

	TaskOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_task_outcome_total",
			Help: "Total number of tasks reaching a terminal outcome",
		},
		[]string{"repo", "outcome"},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ralph_claim_latency_seconds",
			Help:    "Time taken to claim a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Hosting client metrics
	HostingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_hosting_requests_total",
			Help: "Total number of hosting-service requests by method and classified outcome",
		},
		[]string{"method", "outcome"},
	)

	HostingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ralph_hosting_request_duration_seconds",
			Help:    "Hosting-service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	HostingRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_hosting_rate_limited_total",
			Help: "Total number of requests classified as rate-limited, by token",
		},
		[]string{"token"},
	)

	// Governor metrics
	GovernorTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_governor_tokens_available",
			Help: "Tokens currently available per lane",
		},
		[]string{"lane"},
	)

	GovernorDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_governor_deferred_total",
			Help: "Total number of calls deferred by the budget governor, by lane",
		},
		[]string{"lane"},
	)

	GovernorStarvationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_governor_best_effort_starved_total",
			Help: "Total number of times best_effort lane was starved by pressure mode",
		},
	)

	// Merge-gate metrics
	MergeGateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ralph_merge_gate_duration_seconds",
			Help:    "Time spent in the merge-gate controller per PR",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	MergeOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_merge_outcome_total",
			Help: "Total number of merge-gate outcomes by repo and outcome",
		},
		[]string{"repo", "outcome"},
	)

	MergeAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_merge_attempts_total",
			Help: "Total number of explicit merge attempts issued",
		},
	)

	// Sweeper metrics
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ralph_sweep_duration_seconds",
			Help:    "Time taken for a sweeper cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweeper"},
	)

	SweepCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_sweep_cycles_total",
			Help: "Total number of sweeper cycles completed",
		},
		[]string{"sweeper"},
	)

	// Escalation metrics
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_escalations_total",
			Help: "Total number of tasks escalated by repo and escalation type",
		},
		[]string{"repo", "type"},
	)

	// Control-plane metrics
	WorkerPausedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_worker_paused",
			Help: "Whether a worker slot is currently paused at a checkpoint",
		},
		[]string{"repo", "slot"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TaskClaimedTotal,
		TaskOutcomeTotal,
		ClaimLatency,
		HostingRequestsTotal,
		HostingRequestDuration,
		HostingRateLimitedTotal,
		GovernorTokens,
		GovernorDeferredTotal,
		GovernorStarvationTotal,
		MergeGateDuration,
		MergeOutcomeTotal,
		MergeAttemptsTotal,
		SweepDuration,
		SweepCyclesTotal,
		EscalationsTotal,
		WorkerPausedGauge,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
