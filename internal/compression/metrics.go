package compression

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	poolGets     atomic.Int64
	poolPuts     atomic.Int64
	poolNews     atomic.Int64
	poolDiscards atomic.Int64
)

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "trace_batcher_compression_pool_gets_total",
			Help: "Pool.Get() calls for zstd encoders",
		}, func() float64 { return float64(poolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "trace_batcher_compression_pool_puts_total",
			Help: "Pool.Put() calls for zstd encoders",
		}, func() float64 { return float64(poolPuts.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "trace_batcher_compression_pool_new_total",
			Help: "New zstd encoders created (pool miss)",
		}, func() float64 { return float64(poolNews.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "trace_batcher_compression_pool_discards_total",
			Help: "zstd encoders discarded after a failed close",
		}, func() float64 { return float64(poolDiscards.Load()) }),
	)
}
