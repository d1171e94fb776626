package feeds

import "github.com/prometheus/client_golang/prometheus"

var (
	feedFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_feed_fetches_total",
			Help: "Feed fetch attempts by feed and outcome",
		},
		[]string{"feed", "outcome"},
	)
	indicatorsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_indicators_stored_total",
			Help: "Indicators newly persisted from feeds",
		},
		[]string{"feed", "type"},
	)
	rulesInFile = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_hash_rules",
			Help: "Number of hash rules in the last generated rules file",
		},
	)
	reputationLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_reputation_lookups_total",
			Help: "Reputation lookups by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(feedFetches)
	prometheus.MustRegister(indicatorsStored)
	prometheus.MustRegister(rulesInFile)
	prometheus.MustRegister(reputationLookups)
}
