package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SearchPlans *prometheus.CounterVec
	Propagation *prometheus.CounterVec
}

// NewMetrics registers the directory counters on reg. A nil reg leaves the
// collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchPlans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_search_total",
			Help: "Directory searches by ranking plan",
		}, []string{"plan"}),
		Propagation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profile_propagation_total",
			Help: "Snapshot propagation attempts by dependent collection and result",
		}, []string{"collection", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.SearchPlans, m.Propagation)
	}
	return m
}
