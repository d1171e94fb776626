package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_analyses_total",
			Help: "Completed file analyses by threat level",
		},
		[]string{"level"},
	)
	tierExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_tier_executions_total",
			Help: "Analysis tier executions by tier",
		},
		[]string{"tier"},
	)
	shortCircuits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_short_circuits_total",
			Help: "Analyses concluded by the lightweight tier",
		},
	)
	sandboxTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_sandbox_timeouts_total",
			Help: "Sandbox runs that hit the time limit",
		},
	)
	analysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_analysis_duration_seconds",
			Help:    "Wall time of a full analysis",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(analysesTotal)
	prometheus.MustRegister(tierExecutions)
	prometheus.MustRegister(shortCircuits)
	prometheus.MustRegister(sandboxTimeouts)
	prometheus.MustRegister(analysisDuration)
}
