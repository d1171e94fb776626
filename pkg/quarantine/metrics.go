package quarantine

import "github.com/prometheus/client_golang/prometheus"

var (
	quarantineOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_quarantine_operations_total",
			Help: "Quarantine operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)
	quarantinedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_quarantined_files",
			Help: "Files currently held in quarantine",
		},
	)
)

func init() {
	prometheus.MustRegister(quarantineOps)
	prometheus.MustRegister(quarantinedFiles)
}
