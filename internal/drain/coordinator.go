// Package drain turns ready buffer contents into in-flight sends. It bounds
// concurrency through the backpressure controller, owns one transport
// handle per in-flight batch and settles each outcome back into the buffer.
package drain

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
	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/record"
	"github.com/szibis/trace-batcher/internal/stats"
	"github.com/szibis/trace-batcher/internal/transport"
)

// DefaultMaxRetriesPerRecord bounds failed attempts per record.
const DefaultMaxRetriesPerRecord = 5

// outcomeCancelled labels sends cut off through their handle.
const outcomeCancelled = "cancelled"

var (
	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_drain_sends_total",
		Help: "Completed sends by outcome (success, retryable, fatal, cancelled)",
	}, []string{"outcome"})

	sendsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_drain_inflight_sends",
		Help: "Sends currently in flight",
	})

	dualOwnershipTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_drain_dual_ownership_violations_total",
		Help: "Transport handles released by a non-owner",
	})

	cancellationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_drain_cancellations_total",
		Help: "In-flight sends cancelled through their handle",
	})

	drainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_drain_runs_total",
		Help: "Drain invocations by result (dispatched, idle, gated)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(sendsInFlight)
	prometheus.MustRegister(dualOwnershipTotal)
	prometheus.MustRegister(cancellationsTotal)
	prometheus.MustRegister(drainsTotal)

	for _, o := range []string{"success", "retryable", "fatal", outcomeCancelled} {
		sendsTotal.WithLabelValues(o).Add(0)
	}
	for _, r := range []string{"dispatched", "idle", "gated"} {
		drainsTotal.WithLabelValues(r).Add(0)
	}
	dualOwnershipTotal.Add(0)
	cancellationsTotal.Add(0)
}

// Config holds coordinator settings.
type Config struct {
	// MaxRetriesPerRecord is how many failed attempts a record survives;
	// a record is sent at most MaxRetriesPerRecord+1 times.
	MaxRetriesPerRecord int
	// SendTimeout bounds each send. 0 means only cancellation ends a send.
	SendTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink reports fatal outcomes to sink.
func WithSink(sink stats.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithNotify registers f to run after every settled send, typically to kick
// the engine loop into another drain.
func WithNotify(f func()) Option {
	return func(c *Coordinator) { c.notify = f }
}

// WithClock overrides the time source used for gating.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type inflight struct {
	handle *transport.Handle
	owner  uint64
	batch  *record.Batch
}

// Coordinator dispatches batches to the transport and settles their
// outcomes.
type Coordinator struct {
	ctx       context.Context
	buf       *buffer.Buffer
	batcher   *batcher.Batcher
	ctrl      *backpressure.Controller
	transport transport.Transport
	cfg       Config
	sink      stats.Sink
	notify    func()
	now       func() time.Time

	nextOwner atomic.Uint64
	stopped   atomic.Bool

	mu       sync.Mutex
	registry map[string]inflight
	wg       sync.WaitGroup

	exhausted *logging.Sampler
}

// New creates a Coordinator. Handles derive from ctx, so cancelling it
// cancels every in-flight send.
func New(ctx context.Context, buf *buffer.Buffer, b *batcher.Batcher, ctrl *backpressure.Controller, t transport.Transport, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxRetriesPerRecord < 0 {
		cfg.MaxRetriesPerRecord = 0
	}
	c := &Coordinator{
		ctx:       ctx,
		buf:       buf,
		batcher:   b,
		ctrl:      ctrl,
		transport: t,
		cfg:       cfg,
		sink:      stats.NopSink{},
		notify:    func() {},
		now:       time.Now,
		registry:  make(map[string]inflight),
		exhausted: logging.NewSampler(10 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Drain dispatches ready batches until the buffer has nothing ready or the
// controller's concurrency is reached, and returns how many it dispatched.
// force sends partial batches immediately. Drain never blocks on a send.
func (c *Coordinator) Drain(force bool) int {
	if c.stopped.Load() || c.ctx.Err() != nil {
		return 0
	}
	if !c.ctrl.Allow(c.now()) {
		drainsTotal.WithLabelValues("gated").Inc()
		return 0
	}

	n := 0
	for {
		// TakeReady checks in-flight and claims records under one lock, so
		// concurrent drains cannot overshoot or double-claim.
		batch := c.batcher.Next(force, c.ctrl.Concurrency())
		if batch == nil {
			break
		}
		c.dispatch(batch)
		n++
	}

	if n > 0 {
		drainsTotal.WithLabelValues("dispatched").Inc()
	} else {
		drainsTotal.WithLabelValues("idle").Inc()
	}
	return n
}

func (c *Coordinator) dispatch(batch *record.Batch) {
	owner := c.nextOwner.Add(1)
	h := transport.NewHandle(c.ctx, batch.ID)
	if err := h.Claim(owner); err != nil {
		// A fresh handle is unclaimed; failing here means the handle
		// discipline itself is broken.
		c.violation(h, owner, err)
	}

	c.mu.Lock()
	c.registry[batch.ID] = inflight{handle: h, owner: owner, batch: batch}
	c.mu.Unlock()

	sendsInFlight.Inc()
	c.wg.Add(1)
	go c.send(h, owner, batch)
}

func (c *Coordinator) send(h *transport.Handle, owner uint64, batch *record.Batch) {
	defer c.wg.Done()
	defer sendsInFlight.Dec()

	ctx := h.Context()
	cancel := context.CancelFunc(func() {})
	if c.cfg.SendTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
	}
	o := c.transport.Send(ctx, h, batch)
	cancel()

	if err := h.Close(owner); err != nil {
		c.violation(h, owner, err)
	}
	// Only the first release sets the cause, so anything else means the
	// send was cancelled through CancelAll.
	cancelled := !errors.Is(h.Cause(), transport.ErrHandleClosed)

	c.mu.Lock()
	delete(c.registry, batch.ID)
	c.mu.Unlock()

	var s buffer.Settlement
	switch {
	case cancelled && o.Kind == record.Retryable:
		// A cancelled send says nothing about the collector, so its records
		// go back untouched and the controller does not see it.
		c.buf.Release(batch.Items)
		sendsTotal.WithLabelValues(outcomeCancelled).Inc()
		c.notify()
		return
	case o.Partial():
		s = c.buf.SettlePartial(batch.Items, o.Failed, o.Kind, c.cfg.MaxRetriesPerRecord)
	default:
		s = c.buf.Settle(batch.Items, o.Kind, c.cfg.MaxRetriesPerRecord)
	}
	if !cancelled {
		c.ctrl.Observe(o, s.ConsecutiveFailures)
		c.batcher.Observe(o)
	}
	sendsTotal.WithLabelValues(o.Kind.String()).Inc()

	if s.Exhausted > 0 {
		fields := logging.F(
			"batch_id", batch.ID,
			"records", s.Exhausted,
			"max_retries", c.cfg.MaxRetriesPerRecord,
		)
		if o.Err != nil {
			fields["error"] = o.Err.Error()
		}
		c.exhausted.Warn("exhausted", "records dropped after exhausting retries", fields)
	}

	if o.Kind == record.Fatal {
		c.sink.Fatal(stats.FatalEvent{
			Time:    c.now(),
			BatchID: batch.ID,
			Records: s.Discarded,
			Bytes:   failedBytes(batch, o),
			Reason:  fatalReason(o),
			Err:     o.Err,
		})
	}

	c.notify()
}

// failedBytes is the size of the items an outcome applies to.
func failedBytes(batch *record.Batch, o record.Outcome) int64 {
	if !o.Partial() {
		return batch.Bytes
	}
	var n int64
	for _, i := range o.Failed {
		if i >= 0 && i < len(batch.Items) {
			n += batch.Items[i].Record.Size
		}
	}
	return n
}

// fatalReason is a bounded label for a fatal outcome.
func fatalReason(o record.Outcome) string {
	var se *transport.SendError
	if errors.As(o.Err, &se) && se.Type != "" {
		return string(se.Type)
	}
	return "unknown"
}

// violation reports a handle released by a non-owner and fails loudly.
func (c *Coordinator) violation(h *transport.Handle, owner uint64, err error) {
	dualOwnershipTotal.Inc()
	logging.Error("transport handle ownership violated", logging.F(
		"handle", h.ID(),
		"owner", owner,
		"state", h.State().String(),
		"error", err.Error(),
	))
	panic(fmt.Errorf("drain: %w", err))
}

// CancelAll cancels every in-flight send through its handle and returns how
// many were cancelled. Settlement still happens in the send goroutines.
func (c *Coordinator) CancelAll(cause error) int {
	c.mu.Lock()
	snapshot := make([]inflight, 0, len(c.registry))
	for _, f := range c.registry {
		snapshot = append(snapshot, f)
	}
	c.mu.Unlock()

	n := 0
	for _, f := range snapshot {
		if f.handle.State() == transport.Closed {
			continue
		}
		if err := f.handle.Cancel(f.owner, cause); err != nil {
			c.violation(f.handle, f.owner, err)
		}
		n++
	}
	cancellationsTotal.Add(float64(n))
	if n > 0 {
		logging.Info("cancelled in-flight sends", logging.F("count", n, "cause", fmt.Sprint(cause)))
	}
	return n
}

// Stop makes later Drain calls no-ops.
func (c *Coordinator) Stop() {
	c.stopped.Store(true)
}

// InFlight returns the number of registered in-flight sends.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registry)
}

// Handles returns the handles of in-flight sends.
func (c *Coordinator) Handles() []*transport.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := make([]*transport.Handle, 0, len(c.registry))
	for _, f := range c.registry {
		hs = append(hs, f.handle)
	}
	return hs
}

// Wait blocks until every send goroutine has settled or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
