// Package engine is the auto-batching ingestion engine: producers Enqueue
// records, a background loop drains them to the transport in batches, and
// Flush and Shutdown bound how long outstanding work may take.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/backpressure"
	"github.com/szibis/trace-batcher/internal/batcher"
	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/cardinality"
	"github.com/szibis/trace-batcher/internal/drain"
	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/record"
	"github.com/szibis/trace-batcher/internal/stats"
	"github.com/szibis/trace-batcher/internal/transport"
)

// Admission errors returned by Enqueue.
var (
	ErrQueueFull      = buffer.ErrQueueFull
	ErrRecordTooLarge = buffer.ErrRecordTooLarge
	ErrClosed         = buffer.ErrClosed
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrShutdown is the cancellation cause of sends cut off by Shutdown.
	ErrShutdown = errors.New("engine shut down")
	// ErrFlushTimeout is the cancellation cause of sends cut off by a Flush
	// that ran out of time.
	ErrFlushTimeout = errors.New("flush timed out")
	// ErrDataDiscarded is returned by Shutdown when records were dropped.
	ErrDataDiscarded = errors.New("records discarded at shutdown")
	// ErrShuttingDown and ErrDegraded are readiness failures.
	ErrShuttingDown = errors.New("shutting down")
	ErrDegraded     = errors.New("backpressure engaged")
)

// FlushResult is the outcome of Flush.
type FlushResult int

const (
	// Drained: buffer empty and nothing in flight.
	Drained FlushResult = iota
	// PartiallyDrained: timed out, but outstanding work went down.
	PartiallyDrained
	// TimedOut: timed out without progress.
	TimedOut
)

func (r FlushResult) String() string {
	switch r {
	case Drained:
		return "drained"
	case PartiallyDrained:
		return "partially_drained"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("FlushResult(%d)", int(r))
	}
}

var (
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_flushes_total",
		Help: "Flush calls by result",
	}, []string{"result"})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trace_batcher_flush_duration_seconds",
		Help:    "Time spent in Flush",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	shutdownDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_shutdown_discarded_records_total",
		Help: "Records discarded by Shutdown",
	})

	duplicatesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_enqueue_duplicates_dropped_total",
		Help: "Records dropped at Enqueue because their ID was seen recently",
	})
)

func init() {
	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(shutdownDiscardedTotal)
	prometheus.MustRegister(duplicatesDroppedTotal)

	for _, r := range []FlushResult{Drained, PartiallyDrained, TimedOut} {
		flushesTotal.WithLabelValues(r.String()).Add(0)
	}
	shutdownDiscardedTotal.Add(0)
	duplicatesDroppedTotal.Add(0)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink reports snapshots and fatal events to sink.
func WithSink(sink stats.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithClock replaces time.Now in the batcher, controller and coordinator.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithJitterSource makes backoff jitter deterministic.
func WithJitterSource(f func() float64) Option {
	return func(e *Engine) { e.jitter = f }
}

// Engine owns one buffer and everything that drains it. Multiple engines
// may live in one process; they share nothing but Prometheus collectors.
type Engine struct {
	cfg       Config
	transport transport.Transport
	sink      stats.Sink
	now       func() time.Time
	jitter    func() float64

	buf       *buffer.Buffer
	batcher   *batcher.Batcher
	tuner     *batcher.Tuner
	ctrl      *backpressure.Controller
	coord     *drain.Coordinator
	collector *stats.Collector
	dedup     *cardinality.Window

	rootCtx    context.Context
	rootCancel context.CancelCauseFunc

	kick     chan struct{}
	rejected *logging.Sampler

	mu         sync.Mutex
	started    bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an engine around t. The engine owns t and closes it on
// Shutdown.
func New(cfg Config, t transport.Transport, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, errors.New("engine: transport is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		transport: t,
		sink:      stats.NopSink{},
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		rejected:  logging.NewSampler(cfg.RejectLogInterval),
	}
	for _, o := range opts {
		o(e)
	}
	e.rootCtx, e.rootCancel = context.WithCancelCause(context.Background())

	e.buf = buffer.New(buffer.Config{
		MaxBytes:     cfg.MaxQueueBytes,
		Policy:       cfg.QueueFullPolicy,
		BlockTimeout: cfg.BlockTimeout,
	})

	batcherOpts := []batcher.Option{batcher.WithClock(e.now)}
	if cfg.BatchTuning.Enabled {
		e.tuner = batcher.NewTuner(batcher.TunerConfig{
			MinBytes:      cfg.BatchTuning.MinBytes,
			MaxBytes:      cfg.MaxBatchBytes,
			SuccessStreak: cfg.BatchTuning.SuccessStreak,
			GrowFactor:    cfg.BatchTuning.GrowFactor,
			ShrinkFactor:  cfg.BatchTuning.ShrinkFactor,
		})
		batcherOpts = append(batcherOpts, batcher.WithTuner(e.tuner))
	}
	e.batcher = batcher.New(e.buf, batcher.Config{
		MaxBatchItems: cfg.MaxBatchItems,
		MaxBatchBytes: cfg.MaxBatchBytes,
		MinBatchItems: cfg.MinBatchItems,
		FlushInterval: cfg.MinBatchFlushInterval,
	}, batcherOpts...)

	ctrlOpts := []backpressure.Option{backpressure.WithClock(e.now)}
	if e.jitter != nil {
		ctrlOpts = append(ctrlOpts, backpressure.WithJitterSource(e.jitter))
	}
	e.ctrl = backpressure.New(backpressure.Config{
		MaxConcurrency:   cfg.MaxDrainConcurrency,
		FailureThreshold: cfg.FailureThreshold,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		Jitter:           cfg.BackoffJitter,
	}, ctrlOpts...)

	e.coord = drain.New(e.rootCtx, e.buf, e.batcher, e.ctrl, t, drain.Config{
		MaxRetriesPerRecord: cfg.MaxRetriesPerRecord,
		SendTimeout:         cfg.SendTimeout,
	}, drain.WithSink(e.sink), drain.WithNotify(e.wake), drain.WithClock(e.now))

	e.collector = stats.NewCollector(stats.CollectorConfig{
		Interval:      cfg.SnapshotInterval,
		ResetInterval: cfg.DistinctTracesWindow,
	}, e.snapshot, e.sink)

	if cfg.DedupWindow > 0 {
		e.dedup = cardinality.NewWindow(cardinality.Config{
			Mode:              cfg.Dedup.Mode,
			ExpectedItems:     cfg.Dedup.ExpectedItems,
			FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		}, cfg.DedupWindow)
	}
	return e, nil
}

// Start begins periodic draining and snapshot reporting. Stopping ctx
// stops the background loops but does not shut the engine down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown.Load() {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		e.collector.Run(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(e.loopDone)
	}()

	logging.Info("engine started", logging.F(
		"max_queue_bytes", e.cfg.MaxQueueBytes,
		"max_batch_items", e.cfg.MaxBatchItems,
		"max_batch_bytes", e.cfg.MaxBatchBytes,
		"max_drain_concurrency", e.cfg.MaxDrainConcurrency,
		"queue_full_policy", string(e.cfg.QueueFullPolicy),
	))
	return nil
}

// run drains on every tick and whenever a producer or a settled send kicks
// the loop.
func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.coord.Drain(false)
	}
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Enqueue admits rec. Transport failures are never reported here; only
// admission failures are, unless SwallowEnqueueErrors is set.
func (e *Engine) Enqueue(ctx context.Context, rec record.Record) error {
	dedup := e.dedup != nil && rec.ID != ""
	if dedup && !e.dedup.Reserve(rec.ID) {
		duplicatesDroppedTotal.Inc()
		return nil
	}

	err := e.buf.Enqueue(ctx, rec)
	if dedup {
		if err != nil {
			e.dedup.Cancel(rec.ID)
		} else {
			e.dedup.Commit(rec.ID)
		}
	}
	if err != nil {
		e.rejected.Warn(rejectKey(err), "enqueue rejected", logging.F(
			"error", err.Error(),
			"record_id", rec.ID,
			"size", rec.Size,
		))
		if e.cfg.SwallowEnqueueErrors {
			return nil
		}
		return err
	}

	e.collector.ObserveTrace(rec.TraceID)
	e.wake()
	return nil
}

func rejectKey(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrRecordTooLarge):
		return "too_large"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}

// Flush forces drains until the buffer is empty and nothing is in flight,
// or timeout elapses. On expiry, in-flight sends are cancelled through
// their handles and their records go back to the buffer.
func (e *Engine) Flush(timeout time.Duration) FlushResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	res := e.flush(ctx)
	flushDuration.Observe(time.Since(start).Seconds())
	flushesTotal.WithLabelValues(res.String()).Inc()

	if res != Drained {
		e.coord.CancelAll(ErrFlushTimeout)
	}
	return res
}

// flush drives drains until idle or ctx is done. It wakes on every buffer
// change and when the backpressure gate opens.
func (e *Engine) flush(ctx context.Context) FlushResult {
	initial := e.buf.State().Outstanding()

	for {
		st, changed := e.buf.Watch()
		if st.Idle() {
			return Drained
		}
		e.coord.Drain(true)

		wait := e.cfg.FlushPollInterval
		if g := e.ctrl.Wait(e.now()); g > 0 && g < wait {
			wait = g
		}
		timer := time.NewTimer(wait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if e.buf.State().Outstanding() < initial {
				return PartiallyDrained
			}
			return TimedOut
		}
		timer.Stop()
	}
}

// Shutdown stops intake, flushes best-effort within ShutdownTimeout (or
// ctx, whichever ends first), cancels what is still in flight, waits up to
// ShutdownGrace for the send goroutines, discards the rest and closes the
// transport. Later calls return the first call's result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.shuttingDown.Store(true)
	e.buf.Close()
	logging.Info("engine shutting down", logging.F(
		"queue_size", e.buf.State().QueueSize,
		"inflight", e.coord.InFlight(),
	))

	e.mu.Lock()
	started, stop, done := e.started, e.loopCancel, e.loopDone
	e.mu.Unlock()
	if started {
		stop()
		<-done
	}

	flushCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	res := e.flush(flushCtx)
	cancel()
	flushesTotal.WithLabelValues(res.String()).Inc()

	e.coord.Stop()
	cancelled := e.coord.CancelAll(ErrShutdown)

	graceCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
	if err := e.coord.Wait(graceCtx); err != nil {
		logging.Warn("send goroutines still running after shutdown grace", logging.F(
			"inflight", e.coord.InFlight(),
			"grace", e.cfg.ShutdownGrace.String(),
		))
	}
	cancel()

	discarded := e.buf.Discard()
	shutdownDiscardedTotal.Add(float64(discarded))
	e.rootCancel(ErrShutdown)

	var errs []error
	if discarded > 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrDataDiscarded, discarded))
	}
	if err := e.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}

	e.collector.Collect()
	logging.Info("engine stopped", logging.F(
		"flush", res.String(),
		"cancelled_sends", cancelled,
		"discarded_records", discarded,
	))
	return errors.Join(errs...)
}

// State returns the buffer counters.
func (e *Engine) State() buffer.State {
	return e.buf.State()
}

// Snapshot builds and reports a snapshot now.
func (e *Engine) Snapshot() stats.Snapshot {
	return e.collector.Collect()
}

func (e *Engine) snapshot() stats.Snapshot {
	st := e.buf.State()
	return stats.Snapshot{
		Time:                e.now(),
		QueueSize:           st.QueueSize,
		QueueBytes:          st.QueueBytes,
		InFlightBatches:     st.InFlightBatches,
		InFlightBytes:       st.InFlightBytes,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Concurrency:         e.ctrl.Concurrency(),
		Delay:               e.ctrl.Delay(),
		Degraded:            e.ctrl.Degraded(),
		Enqueued:            st.Enqueued,
		Rejected:            st.Rejected,
		Delivered:           st.Delivered,
		Dropped:             st.Evicted + st.Exhausted + st.Fatal + st.Discarded,
	}
}

// Ready reports whether the engine should receive traffic.
func (e *Engine) Ready() error {
	if e.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if e.ctrl.Degraded() {
		return fmt.Errorf("%w: concurrency %d, delay %s", ErrDegraded, e.ctrl.Concurrency(), e.ctrl.Delay())
	}
	return nil
}

// MaxBatchBytes returns the effective max batch bytes, which the tuner may
// have lowered.
func (e *Engine) MaxBatchBytes() int64 {
	return e.batcher.MaxBatchBytes()
}
