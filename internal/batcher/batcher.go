// Package batcher slices the records resident in a buffer into batches
// bounded by item count and bytes.
package batcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/record"
)

var (
	batchesFormedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_batches_formed_total",
		Help: "Total batches formed by trigger",
	}, []string{"trigger"})

	batchItems = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trace_batcher_batch_items",
		Help:    "Records per formed batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	batchBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trace_batcher_batch_bytes",
		Help:    "Bytes per formed batch",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(batchesFormedTotal)
	prometheus.MustRegister(batchItems)
	prometheus.MustRegister(batchBytes)

	batchesFormedTotal.WithLabelValues("ready").Add(0)
	batchesFormedTotal.WithLabelValues("forced").Add(0)
}

// Config holds batching thresholds.
type Config struct {
	// MaxBatchItems bounds records per batch (default: 512).
	MaxBatchItems int
	// MaxBatchBytes bounds bytes per batch (default: 4 MiB). A single larger
	// record still forms a batch on its own.
	MaxBatchBytes int64
	// MinBatchItems defers batching while fewer records are resident
	// (default: 1, no deferral).
	MinBatchItems int
	// FlushInterval releases a short batch once its oldest record has waited
	// this long.
	FlushInterval time.Duration
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithTuner lets t lower the effective max batch bytes at runtime.
func WithTuner(t *Tuner) Option {
	return func(b *Batcher) { b.tuner = t }
}

// WithClock replaces time.Now for readiness decisions.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// Batcher forms batches from a buffer.
type Batcher struct {
	buf   *buffer.Buffer
	cfg   Config
	tuner *Tuner
	now   func() time.Time
}

// New creates a Batcher over buf.
func New(buf *buffer.Buffer, cfg Config, opts ...Option) *Batcher {
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 512
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 4 * 1024 * 1024
	}
	if cfg.MinBatchItems <= 0 {
		cfg.MinBatchItems = 1
	}
	b := &Batcher{buf: buf, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MaxBatchBytes returns the effective max batch bytes.
func (b *Batcher) MaxBatchBytes() int64 {
	if b.tuner != nil {
		if n := b.tuner.CurrentMaxBytes(); n < b.cfg.MaxBatchBytes {
			return n
		}
	}
	return b.cfg.MaxBatchBytes
}

// Next claims the next ready batch, or returns nil when the buffer is empty,
// not ready yet or maxInFlight batches are already out. force skips the
// readiness deferral.
func (b *Batcher) Next(force bool, maxInFlight int) *record.Batch {
	r := buffer.Readiness{
		MinItems: b.cfg.MinBatchItems,
		Linger:   b.cfg.FlushInterval,
		Force:    force,
		Now:      b.now(),
	}
	items := b.buf.TakeReady(r, b.cfg.MaxBatchItems, b.MaxBatchBytes(), maxInFlight)
	if len(items) == 0 {
		return nil
	}

	batch := record.NewBatch(items)
	trigger := "ready"
	if force {
		trigger = "forced"
	}
	batchesFormedTotal.WithLabelValues(trigger).Inc()
	batchItems.Observe(float64(len(items)))
	batchBytes.Observe(float64(batch.Bytes))
	return batch
}

// Observe feeds a send outcome to the tuner, if any.
func (b *Batcher) Observe(o record.Outcome) {
	if b.tuner != nil {
		b.tuner.Observe(o)
	}
}
