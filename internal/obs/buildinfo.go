package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 labelled with version, commit and store.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Tally API build information.",
		},
		[]string{"version", "commit", "store"},
	)
)

// InitBuildInfo registers build_info once and sets build_info{version,commit,store} 1.
func InitBuildInfo(version, commit, store string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, store).Set(1)
}
