package buffer

import "github.com/prometheus/client_golang/prometheus"

var (
	bufferEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_buffer_enqueued_total",
		Help: "Total records accepted into the buffer",
	})

	bufferRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_buffer_rejected_total",
		Help: "Total records refused at enqueue time by reason",
	}, []string{"reason"})

	bufferDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_buffer_dropped_total",
		Help: "Total buffered records discarded without delivery by reason",
	}, []string{"reason"})

	bufferRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_buffer_requeued_total",
		Help: "Total records returned to the front of the buffer after a retryable failure",
	})

	bufferDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_buffer_delivered_total",
		Help: "Total records acknowledged by the collector",
	})

	bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_buffer_size",
		Help: "Current number of resident records",
	})

	bufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_buffer_bytes",
		Help: "Current resident bytes",
	})

	bufferInFlightBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_buffer_inflight_bytes",
		Help: "Current bytes held by in-flight batches",
	})

	bufferBlockedProducers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_buffer_blocked_producers",
		Help: "Producers currently waiting for space under the block policy",
	})
)

// Reasons used for the rejected/dropped counters.
const (
	reasonFull        = "full"
	reasonTooLarge    = "too_large"
	reasonClosed      = "closed"
	reasonTimeout     = "block_timeout"
	reasonEvicted     = "evicted"
	reasonExhausted   = "retries_exhausted"
	reasonFatal       = "fatal"
	reasonShutdown    = "shutdown"
	reasonCtxCanceled = "canceled"
)

func init() {
	prometheus.MustRegister(bufferEnqueuedTotal)
	prometheus.MustRegister(bufferRejectedTotal)
	prometheus.MustRegister(bufferDroppedTotal)
	prometheus.MustRegister(bufferRequeuedTotal)
	prometheus.MustRegister(bufferDeliveredTotal)
	prometheus.MustRegister(bufferSize)
	prometheus.MustRegister(bufferBytes)
	prometheus.MustRegister(bufferInFlightBytes)
	prometheus.MustRegister(bufferBlockedProducers)

	bufferEnqueuedTotal.Add(0)
	bufferRequeuedTotal.Add(0)
	bufferDeliveredTotal.Add(0)
	for _, r := range []string{reasonFull, reasonTooLarge, reasonClosed, reasonTimeout, reasonCtxCanceled} {
		bufferRejectedTotal.WithLabelValues(r).Add(0)
	}
	for _, r := range []string{reasonEvicted, reasonExhausted, reasonFatal, reasonShutdown} {
		bufferDroppedTotal.WithLabelValues(r).Add(0)
	}
}
