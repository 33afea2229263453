package supervisor

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	startResults    *prometheus.CounterVec
	stopsTotal      prometheus.Counter
	reconcileDeaths prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		startResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botdock",
			Subsystem: "supervisor",
			Name:      "start_results_total",
			Help:      "Outcomes of project start attempts",
		}, []string{"outcome"}),
		stopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botdock",
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Number of stop operations",
		}),
		reconcileDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botdock",
			Subsystem: "supervisor",
			Name:      "reconcile_deaths_total",
			Help:      "Dead processes detected during status reconciliation",
		}),
	}

	collectors := []prometheus.Collector{m.startResults, m.stopsTotal, m.reconcileDeaths}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.startResults = existing
				case prometheus.Counter:
					if collector == m.stopsTotal {
						m.stopsTotal = existing
					} else {
						m.reconcileDeaths = existing
					}
				}
			}
		}
	}
	return m
}

func (m *metrics) startResult(outcome string) {
	if m == nil {
		return
	}
	m.startResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}
