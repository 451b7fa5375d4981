package stats

import (
	"context"
	"runtime"
	"time"

	"github.com/szibis/trace-batcher/internal/cardinality"
)

// Defaults for the snapshot loop.
const (
	DefaultSnapshotInterval = 30 * time.Second
	DefaultResetInterval    = time.Minute
)

// CollectorConfig configures the snapshot loop.
type CollectorConfig struct {
	// Interval between snapshots.
	Interval time.Duration
	// ResetInterval bounds the distinct-trace estimate to a rolling period.
	ResetInterval time.Duration
}

// Collector produces periodic Snapshots. The engine supplies queue and
// controller state through the source function; the collector adds heap
// usage and the distinct-trace estimate.
type Collector struct {
	cfg    CollectorConfig
	source func() Snapshot
	sink   Sink
	traces *cardinality.TraceEstimator
	now    func() time.Time
}

// NewCollector creates a Collector. A nil sink discards snapshots.
func NewCollector(cfg CollectorConfig, source func() Snapshot, sink Sink) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = DefaultResetInterval
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Collector{
		cfg:    cfg,
		source: source,
		sink:   sink,
		traces: cardinality.NewTraceEstimator(),
		now:    time.Now,
	}
}

// ObserveTrace feeds the distinct-trace estimate. Safe for concurrent use.
func (c *Collector) ObserveTrace(traceID string) {
	c.traces.Observe(traceID)
}

// Collect builds a snapshot and reports it to the sink.
func (c *Collector) Collect() Snapshot {
	var s Snapshot
	if c.source != nil {
		s = c.source()
	}
	if s.Time.IsZero() {
		s.Time = c.now()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAlloc = ms.HeapAlloc
	s.DistinctTraces = c.traces.Estimate()

	c.sink.Snapshot(s)
	return s
}

// Run reports a snapshot every interval until ctx is done, then reports a
// final one.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	resetTicker := time.NewTicker(c.cfg.ResetInterval)
	defer resetTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Collect()
			return
		case <-ticker.C:
			c.Collect()
		case <-resetTicker.C:
			c.traces.Reset()
		}
	}
}
