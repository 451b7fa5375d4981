// Package buffer holds enqueued-but-unsent records and the counters that
// describe how much unsent work exists. Every mutation of the queue and of
// those counters happens under one mutex, so resident bytes plus in-flight
// bytes never exceed the configured cap.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/trace-batcher/internal/record"
)

// Policy controls what Enqueue does when the byte cap is reached.
type Policy string

const (
	// Reject refuses the new record with ErrQueueFull.
	Reject Policy = "reject"
	// DropOldest evicts resident records, oldest first, to make room.
	DropOldest Policy = "drop_oldest"
	// Block waits for space until the context ends or BlockTimeout elapses.
	Block Policy = "block"
)

// ParsePolicy parses a queue-full policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case Reject, DropOldest, Block:
		return Policy(s), nil
	case "":
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown queue full policy %q (want reject, drop_oldest or block)", s)
	}
}

var (
	// ErrQueueFull is returned when a record cannot be admitted under the
	// configured policy.
	ErrQueueFull = errors.New("queue full")
	// ErrRecordTooLarge is returned for a record bigger than the whole cap.
	ErrRecordTooLarge = errors.New("record larger than queue capacity")
	// ErrClosed is returned once intake has been stopped.
	ErrClosed = errors.New("buffer closed")
)

// Config holds buffer limits.
type Config struct {
	// MaxBytes caps resident plus in-flight bytes.
	MaxBytes int64
	// Policy applies when MaxBytes is reached.
	Policy Policy
	// BlockTimeout bounds waiting under the Block policy. Zero waits until
	// the context ends.
	BlockTimeout time.Duration
}

// State is a snapshot of the queue counters.
type State struct {
	QueueSize           int
	QueueBytes          int64
	InFlightBatches     int
	InFlightBytes       int64
	ConsecutiveFailures int

	Enqueued  uint64
	Rejected  uint64
	Delivered uint64
	Requeued  uint64
	Evicted   uint64
	Exhausted uint64
	Fatal     uint64
	Discarded uint64

	Closed bool
}

// Outstanding returns resident plus in-flight bytes.
func (s State) Outstanding() int64 {
	return s.QueueBytes + s.InFlightBytes
}

// Idle reports whether nothing is buffered or in flight.
func (s State) Idle() bool {
	return s.QueueSize == 0 && s.InFlightBatches == 0
}

// Readiness describes when resident records may form a batch.
type Readiness struct {
	// MinItems defers batching while fewer records are resident.
	MinItems int
	// Linger releases a short batch once the oldest record has waited this long.
	Linger time.Duration
	// Force bypasses MinItems and Linger.
	Force bool
	// Now is the reference time for Linger.
	Now time.Time
}

// Settlement reports what Settle did with a batch's items.
type Settlement struct {
	Delivered           int
	Requeued            int
	Exhausted           int
	Evicted             int
	Discarded           int
	ConsecutiveFailures int
}

// Buffer is an ordered, byte-bounded queue of records.
type Buffer struct {
	cfg Config

	mu    sync.Mutex
	space *sync.Cond
	items []record.Item
	st    State

	// discarding is set by Discard; later retryable settlements drop
	// instead of requeueing.
	discarding bool

	changed chan struct{}
	watched bool
}

// New creates a Buffer. MaxBytes <= 0 defaults to 64 MiB.
func New(cfg Config) *Buffer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024 * 1024
	}
	if cfg.Policy == "" {
		cfg.Policy = Reject
	}
	b := &Buffer{
		cfg:     cfg,
		items:   make([]record.Item, 0, 64),
		changed: make(chan struct{}),
	}
	b.space = sync.NewCond(&b.mu)
	return b
}

// Config returns the buffer limits.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Enqueue admits rec or returns ErrQueueFull, ErrRecordTooLarge, ErrClosed
// or the context error (Block policy only).
func (b *Buffer) Enqueue(ctx context.Context, rec record.Record) error {
	if rec.Size > b.cfg.MaxBytes {
		b.reject(reasonTooLarge)
		return fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, rec.Size, b.cfg.MaxBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.st.Closed {
			b.rejectLocked(reasonClosed)
			return ErrClosed
		}
		if b.fitsLocked(rec.Size) {
			b.appendLocked(rec)
			return nil
		}

		switch b.cfg.Policy {
		case DropOldest:
			// In-flight bytes cannot be reclaimed; only residents are evictable.
			if b.st.InFlightBytes+rec.Size > b.cfg.MaxBytes {
				b.rejectLocked(reasonFull)
				return ErrQueueFull
			}
			for !b.fitsLocked(rec.Size) && len(b.items) > 0 {
				b.evictOldestLocked()
			}
			continue

		case Block:
			if err := b.waitForSpaceLocked(ctx, rec.Size); err != nil {
				return err
			}
			continue

		default:
			b.rejectLocked(reasonFull)
			return ErrQueueFull
		}
	}
}

// waitForSpaceLocked blocks until rec fits, the buffer closes, ctx ends or
// BlockTimeout elapses. Must be called with b.mu held.
func (b *Buffer) waitForSpaceLocked(ctx context.Context, size int64) error {
	var timedOut atomic.Bool
	wake := func() {
		b.mu.Lock()
		b.space.Broadcast()
		b.mu.Unlock()
	}
	if b.cfg.BlockTimeout > 0 {
		timer := time.AfterFunc(b.cfg.BlockTimeout, func() {
			timedOut.Store(true)
			wake()
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	bufferBlockedProducers.Inc()
	defer bufferBlockedProducers.Dec()

	for !b.fitsLocked(size) {
		if b.st.Closed {
			return nil // caller's loop reports ErrClosed
		}
		if err := ctx.Err(); err != nil {
			b.rejectLocked(reasonCtxCanceled)
			return err
		}
		if timedOut.Load() {
			b.rejectLocked(reasonTimeout)
			return ErrQueueFull
		}
		b.space.Wait()
	}
	return nil
}

// TakeUpTo removes up to maxCount items totalling at most maxBytes from the
// front and moves them to in-flight accounting as one batch. The first item
// is always taken, even if it alone exceeds maxBytes. The caller must Settle
// the returned items.
func (b *Buffer) TakeUpTo(maxCount int, maxBytes int64) []record.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(maxCount, maxBytes)
}

// TakeReady is TakeUpTo guarded by the readiness rule and the in-flight
// batch limit, checked in the same critical section as the claim. It returns
// nil when no batch should be formed now.
func (b *Buffer) TakeReady(r Readiness, maxCount int, maxBytes int64, maxInFlight int) []record.Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 || b.st.InFlightBatches >= maxInFlight {
		return nil
	}
	if !r.Force && len(b.items) < r.MinItems && b.st.QueueBytes < maxBytes {
		if r.Linger <= 0 || r.Now.Sub(b.items[0].Record.CreatedAt) < r.Linger {
			return nil
		}
	}
	return b.takeLocked(maxCount, maxBytes)
}

func (b *Buffer) takeLocked(maxCount int, maxBytes int64) []record.Item {
	if len(b.items) == 0 {
		return nil
	}
	if maxCount <= 0 {
		maxCount = len(b.items)
	}

	n := 0
	var bytes int64
	for n < len(b.items) && n < maxCount {
		size := b.items[n].Record.Size
		if n > 0 && bytes+size > maxBytes {
			break
		}
		bytes += size
		n++
	}

	taken := make([]record.Item, n)
	copy(taken, b.items[:n])
	clear(b.items[:n])
	b.items = b.items[n:]
	b.maybeCompactLocked()

	b.st.QueueSize -= n
	b.st.QueueBytes -= bytes
	b.st.InFlightBatches++
	b.st.InFlightBytes += bytes
	b.notifyLocked()
	return taken
}

// Settle releases a batch taken with TakeUpTo or TakeReady according to its
// outcome. Retryable items go back to the front in their original order with
// their attempt count incremented; items past maxRetries are discarded.
func (b *Buffer) Settle(items []record.Item, kind record.OutcomeKind, maxRetries int) Settlement {
	return b.SettlePartial(items, nil, kind, maxRetries)
}

// SettlePartial is Settle for an outcome that covers only some items:
// failed holds the indexes that settle as kind, every other item counts as
// delivered. A nil failed applies kind to the whole batch.
func (b *Buffer) SettlePartial(items []record.Item, failed []int, kind record.OutcomeKind, maxRetries int) Settlement {
	settled := items
	delivered := 0
	if failed != nil && kind != record.Success {
		settled = make([]record.Item, 0, len(failed))
		for _, i := range failed {
			if i >= 0 && i < len(items) {
				settled = append(settled, items[i])
			}
		}
		delivered = len(items) - len(settled)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseInFlightLocked(items)

	var s Settlement
	if delivered > 0 {
		s.Delivered = delivered
		b.st.Delivered += uint64(delivered)
		bufferDeliveredTotal.Add(float64(delivered))
	}

	switch kind {
	case record.Success:
		b.st.ConsecutiveFailures = 0
		s.Delivered = len(items)
		b.st.Delivered += uint64(s.Delivered)
		bufferDeliveredTotal.Add(float64(s.Delivered))

	case record.Retryable:
		b.st.ConsecutiveFailures++
		if b.discarding {
			b.discardLocked(&s, len(settled))
			break
		}
		keep := make([]record.Item, 0, len(settled))
		for _, it := range settled {
			it.Attempts++
			if it.Attempts > maxRetries {
				s.Exhausted++
				continue
			}
			keep = append(keep, it)
		}
		b.st.Exhausted += uint64(s.Exhausted)
		bufferDroppedTotal.WithLabelValues(reasonExhausted).Add(float64(s.Exhausted))
		b.requeueLocked(&s, keep)

	case record.Fatal:
		b.st.ConsecutiveFailures++
		s.Discarded = len(settled)
		b.st.Fatal += uint64(s.Discarded)
		bufferDroppedTotal.WithLabelValues(reasonFatal).Add(float64(s.Discarded))
	}

	s.ConsecutiveFailures = b.st.ConsecutiveFailures
	b.space.Broadcast()
	b.notifyLocked()
	return s
}

// Release returns the items of a cancelled send to the front of the queue
// as they were. Attempt counts and the failure run are left alone: a
// cancelled send says nothing about the collector.
func (b *Buffer) Release(items []record.Item) Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseInFlightLocked(items)

	var s Settlement
	if b.discarding {
		b.discardLocked(&s, len(items))
	} else {
		b.requeueLocked(&s, append([]record.Item(nil), items...))
	}

	s.ConsecutiveFailures = b.st.ConsecutiveFailures
	b.space.Broadcast()
	b.notifyLocked()
	return s
}

func (b *Buffer) releaseInFlightLocked(items []record.Item) {
	var bytes int64
	for i := range items {
		bytes += items[i].Record.Size
	}
	b.st.InFlightBatches--
	b.st.InFlightBytes -= bytes
	if b.st.InFlightBatches < 0 {
		b.st.InFlightBatches = 0
	}
	if b.st.InFlightBytes < 0 {
		b.st.InFlightBytes = 0
	}
}

func (b *Buffer) discardLocked(s *Settlement, n int) {
	s.Discarded = n
	b.st.Discarded += uint64(n)
	bufferDroppedTotal.WithLabelValues(reasonShutdown).Add(float64(n))
}

// requeueLocked puts keep back at the front in order.
func (b *Buffer) requeueLocked(s *Settlement, keep []record.Item) {
	var keepBytes int64
	for i := range keep {
		keepBytes += keep[i].Record.Size
	}
	b.items = append(keep, b.items...)
	b.st.QueueSize += len(keep)
	b.st.QueueBytes += keepBytes
	s.Requeued = len(keep)
	b.st.Requeued += uint64(s.Requeued)
	bufferRequeuedTotal.Add(float64(s.Requeued))

	// Requeued bytes were already counted in flight, so this only trims
	// when the cap was lowered underneath us.
	for b.st.QueueBytes+b.st.InFlightBytes > b.cfg.MaxBytes && len(b.items) > 0 {
		b.evictOldestLocked()
		s.Evicted++
	}
}

// Close stops intake. Blocked producers return ErrClosed. Resident records
// stay until drained or discarded.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.Closed {
		return
	}
	b.st.Closed = true
	b.space.Broadcast()
	b.notifyLocked()
}

// Discard drops every resident record and makes later retryable
// settlements drop instead of requeue. It returns the number dropped.
func (b *Buffer) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	b.discarding = true
	clear(b.items)
	b.items = b.items[:0]
	b.st.QueueSize = 0
	b.st.QueueBytes = 0
	b.st.Discarded += uint64(n)
	bufferDroppedTotal.WithLabelValues(reasonShutdown).Add(float64(n))
	b.space.Broadcast()
	b.notifyLocked()
	return n
}

// State returns a snapshot of the counters.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Watch returns the current state and a channel closed at the next change.
func (b *Buffer) Watch() (State, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched = true
	return b.st, b.changed
}

// OldestAge returns how long the front record has been in the process, or
// zero when empty.
func (b *Buffer) OldestAge(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return 0
	}
	return now.Sub(b.items[0].Record.CreatedAt)
}

func (b *Buffer) fitsLocked(size int64) bool {
	return b.st.QueueBytes+b.st.InFlightBytes+size <= b.cfg.MaxBytes
}

func (b *Buffer) appendLocked(rec record.Record) {
	b.items = append(b.items, record.Item{Record: rec})
	b.st.QueueSize++
	b.st.QueueBytes += rec.Size
	b.st.Enqueued++
	bufferEnqueuedTotal.Inc()
	b.notifyLocked()
}

// evictOldestLocked removes the front record. Must be called with b.mu held.
func (b *Buffer) evictOldestLocked() {
	if len(b.items) == 0 {
		return
	}
	size := b.items[0].Record.Size
	b.items[0] = record.Item{}
	b.items = b.items[1:]
	b.st.QueueSize--
	b.st.QueueBytes -= size
	b.st.Evicted++
	bufferDroppedTotal.WithLabelValues(reasonEvicted).Inc()
	b.maybeCompactLocked()
}

// maybeCompactLocked compacts the slice if capacity is significantly larger
// than length. Must be called with b.mu held.
func (b *Buffer) maybeCompactLocked() {
	if cap(b.items) > 256 && cap(b.items) > 2*len(b.items)+64 {
		compacted := make([]record.Item, len(b.items), len(b.items)+64)
		copy(compacted, b.items)
		b.items = compacted
	}
}

func (b *Buffer) reject(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectLocked(reason)
}

func (b *Buffer) rejectLocked(reason string) {
	b.st.Rejected++
	bufferRejectedTotal.WithLabelValues(reason).Inc()
}

// notifyLocked publishes gauges and wakes watchers. Must be called with b.mu held.
func (b *Buffer) notifyLocked() {
	bufferSize.Set(float64(b.st.QueueSize))
	bufferBytes.Set(float64(b.st.QueueBytes))
	bufferInFlightBytes.Set(float64(b.st.InFlightBytes))
	if b.watched {
		close(b.changed)
		b.changed = make(chan struct{})
		b.watched = false
	}
}
