package symbols

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Resolutions    *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	SearchFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsize_symbol_resolutions_total",
			Help: "Total number of source-definition resolutions, per language and outcome",
		}, []string{"language", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsize_definition_cache_lookups_total",
			Help: "Total number of definition cache lookups, per result",
		}, []string{"result"}),
		SearchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsize_definition_search_failures_total",
			Help: "Total number of failed source tree searches, per language",
		}, []string{"language"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Resolutions,
			m.CacheLookups,
			m.SearchFailures,
		)
	}

	return m
}
