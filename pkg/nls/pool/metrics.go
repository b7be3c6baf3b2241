package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	poolPops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nls_pool_pops_total",
			Help: "Pool borrow attempts by kind, stage and result",
		},
		[]string{"kind", "stage", "result"},
	)

	poolReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nls_pool_releases_total",
			Help: "Pooled connections released by the sweep",
		},
		[]string{"kind", "stage", "reason"},
	)

	poolReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nls_pool_replacements_total",
			Help: "Replacement connections requested after idle eviction",
		},
		[]string{"kind", "result"},
	)
)

// Collectors returns the pool's metric collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{poolPops, poolReleases, poolReplacements}
}

// RegisterMetrics registers the pool collectors. Collectors that are
// already registered are ignored.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
