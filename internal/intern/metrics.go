package intern

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "trace_batcher_intern_hits_total",
			Help:        "Intern pool cache hits",
			ConstLabels: prometheus.Labels{"pool": "resources"},
		}, func() float64 { h, _ := Resources.Stats(); return float64(h) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "trace_batcher_intern_misses_total",
			Help:        "Intern pool cache misses",
			ConstLabels: prometheus.Labels{"pool": "resources"},
		}, func() float64 { _, m := Resources.Stats(); return float64(m) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "trace_batcher_intern_pool_size",
			Help:        "Number of interned blocks in pool",
			ConstLabels: prometheus.Labels{"pool": "resources"},
		}, func() float64 { return float64(Resources.Size()) }),
	)
}
