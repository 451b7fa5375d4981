// Package transport ships batches to a collector and reports each attempt as
// an Outcome. It also owns the Handle that scopes the resources of one send.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/record"
)

// Transport sends one batch per call. Implementations must honour ctx and the
// handle's cancellation, must not retain batch after returning, and must be
// safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, h *Handle, batch *record.Batch) record.Outcome
	Close() error
}

// Kind selects a transport implementation.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindGRPC  Kind = "grpc"
	KindKafka Kind = "kafka"
)

// ParseKind parses a transport name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHTTP, KindGRPC, KindKafka:
		return Kind(s), nil
	case "":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want http, grpc or kafka)", s)
	}
}

// Config selects and configures a transport.
type Config struct {
	Kind  Kind
	HTTP  HTTPConfig
	GRPC  GRPCConfig
	Kafka KafkaConfig
}

// New builds the transport selected by cfg.Kind.
func New(cfg Config) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch cfg.Kind {
	case KindHTTP, "":
		t, err = NewHTTP(cfg.HTTP)
	case KindGRPC:
		t, err = NewGRPC(cfg.GRPC)
	case KindKafka:
		t, err = NewKafka(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

var (
	sendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_transport_requests_total",
		Help: "Total send attempts by transport",
	}, []string{"transport"})

	sendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_transport_bytes_total",
		Help: "Total bytes written to the collector by transport and compression",
	}, []string{"transport", "compression"})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_transport_errors_total",
		Help: "Total failed send attempts by transport and error type",
	}, []string{"transport", "error_type"})

	sendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_batcher_transport_send_duration_seconds",
		Help:    "Duration of send attempts by transport and outcome",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"transport", "outcome"})

	rejectedSpansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_transport_rejected_spans_total",
		Help: "Spans the collector reported as rejected in a partial success",
	})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendBytesTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendDuration)
	prometheus.MustRegister(rejectedSpansTotal)

	for _, k := range []Kind{KindHTTP, KindGRPC, KindKafka} {
		sendRequestsTotal.WithLabelValues(string(k)).Add(0)
	}
	rejectedSpansTotal.Add(0)
}

// finish records metrics for one attempt and converts err to an Outcome.
func finish(kind Kind, start time.Time, err error) record.Outcome {
	o := Classify(err)
	sendDuration.WithLabelValues(string(kind), o.Kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		errType := ErrorTypeUnknown
		if se, ok := err.(*SendError); ok {
			errType = se.Type
		} else {
			errType = classifyError(err)
		}
		sendErrorsTotal.WithLabelValues(string(kind), string(errType)).Inc()
	}
	return o
}
