// Package stats reports engine state to observability sinks: periodic
// snapshots, fatal batch events and a delivery SLI computed from them.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/logging"
)

// Snapshot is a point-in-time view of the engine. Counters are cumulative.
type Snapshot struct {
	Time time.Time

	QueueSize           int
	QueueBytes          int64
	InFlightBatches     int
	InFlightBytes       int64
	ConsecutiveFailures int

	HeapAlloc   uint64
	Concurrency int
	Delay       time.Duration
	Degraded    bool

	Enqueued  uint64
	Rejected  uint64
	Delivered uint64
	Dropped   uint64

	// DistinctTraces estimates trace IDs seen since the last estimator reset.
	DistinctTraces int64
}

// FatalEvent describes a batch that was discarded after a fatal outcome.
type FatalEvent struct {
	Time    time.Time
	BatchID string
	Records int
	Bytes   int64
	Reason  string
	Err     error
}

// Sink receives snapshots and fatal events. Implementations must not block;
// they are advisory and never influence delivery.
type Sink interface {
	Snapshot(Snapshot)
	Fatal(FatalEvent)
}

// MultiSink fans out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Snapshot(s Snapshot) {
	for _, sink := range m {
		sink.Snapshot(s)
	}
}

func (m MultiSink) Fatal(e FatalEvent) {
	for _, sink := range m {
		sink.Fatal(e)
	}
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Snapshot(Snapshot) {}
func (NopSink) Fatal(FatalEvent) {}

// LogSink writes snapshots at INFO and fatal events at ERROR.
type LogSink struct{}

func (LogSink) Snapshot(s Snapshot) {
	logging.Info("stats", logging.F(
		"queue_size", s.QueueSize,
		"queue_bytes", s.QueueBytes,
		"inflight_batches", s.InFlightBatches,
		"inflight_bytes", s.InFlightBytes,
		"consecutive_failures", s.ConsecutiveFailures,
		"heap_alloc", s.HeapAlloc,
		"concurrency", s.Concurrency,
		"delay", s.Delay.String(),
		"degraded", s.Degraded,
		"delivered_total", s.Delivered,
		"dropped_total", s.Dropped,
		"distinct_traces", s.DistinctTraces,
	))
}

func (LogSink) Fatal(e FatalEvent) {
	fields := logging.F(
		"batch_id", e.BatchID,
		"records", e.Records,
		"bytes", e.Bytes,
		"reason", e.Reason,
	)
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	logging.Error("batch discarded after fatal transport failure", fields)
}

var (
	snapshotHeapAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_heap_alloc_bytes",
		Help: "Heap bytes allocated at the last snapshot",
	})

	snapshotDistinctTraces = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_distinct_traces",
		Help: "Estimated distinct trace IDs since the last estimator reset",
	})

	snapshotInFlightBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_snapshot_inflight_batches",
		Help: "In-flight batches at the last snapshot",
	})

	snapshotConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_consecutive_failures",
		Help: "Consecutive non-success send outcomes at the last snapshot",
	})

	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_snapshots_total",
		Help: "Snapshots reported to the Prometheus sink",
	})

	fatalBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_fatal_batches_total",
		Help: "Batches discarded after a fatal transport outcome",
	}, []string{"reason"})

	fatalRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_fatal_records_total",
		Help: "Records discarded after a fatal transport outcome",
	})
)

func init() {
	prometheus.MustRegister(snapshotHeapAlloc)
	prometheus.MustRegister(snapshotDistinctTraces)
	prometheus.MustRegister(snapshotInFlightBatches)
	prometheus.MustRegister(snapshotConsecutiveFailures)
	prometheus.MustRegister(snapshotsTotal)
	prometheus.MustRegister(fatalBatchesTotal)
	prometheus.MustRegister(fatalRecordsTotal)

	snapshotsTotal.Add(0)
	fatalRecordsTotal.Add(0)
}

// PrometheusSink exports snapshot fields as gauges.
type PrometheusSink struct{}

func (PrometheusSink) Snapshot(s Snapshot) {
	snapshotHeapAlloc.Set(float64(s.HeapAlloc))
	snapshotDistinctTraces.Set(float64(s.DistinctTraces))
	snapshotInFlightBatches.Set(float64(s.InFlightBatches))
	snapshotConsecutiveFailures.Set(float64(s.ConsecutiveFailures))
	snapshotsTotal.Inc()
}

func (PrometheusSink) Fatal(e FatalEvent) {
	reason := e.Reason
	if reason == "" {
		reason = "unknown"
	}
	fatalBatchesTotal.WithLabelValues(reason).Inc()
	fatalRecordsTotal.Add(float64(e.Records))
}
