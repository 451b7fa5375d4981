package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_receiver_errors_total",
		Help: "Total number of receiver errors by type",
	}, []string{"type"})

	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_receiver_requests_total",
		Help: "Total number of export requests received",
	}, []string{"protocol"})

	receiverSpansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_receiver_spans_total",
		Help: "Spans received by result (accepted, rejected)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverSpansTotal)

	// Initialize counters with 0 so they appear in /metrics immediately
	for _, t := range []string{"decode", "decompress", "read", "too_large", "encode"} {
		receiverErrorsTotal.WithLabelValues(t).Add(0)
	}
	receiverRequestsTotal.WithLabelValues("grpc").Add(0)
	receiverRequestsTotal.WithLabelValues("http").Add(0)
	receiverSpansTotal.WithLabelValues("accepted").Add(0)
	receiverSpansTotal.WithLabelValues("rejected").Add(0)
}
