package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/record"
	"github.com/szibis/trace-batcher/internal/stats"
	"github.com/szibis/trace-batcher/internal/transport"
)

type fakeTransport struct {
	send func(ctx context.Context, h *transport.Handle, b *record.Batch) record.Outcome

	mu        sync.Mutex
	delivered []string
	handles   []*transport.Handle
	calls     atomic.Int32
	closed    atomic.Bool
}

func (f *fakeTransport) Send(ctx context.Context, h *transport.Handle, b *record.Batch) record.Outcome {
	f.calls.Add(1)
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()

	o := record.Succeeded()
	if f.send != nil {
		o = f.send(ctx, h, b)
	}
	if o.Kind == record.Success {
		f.mu.Lock()
		for _, it := range b.Items {
			f.delivered = append(f.delivered, it.Record.ID)
		}
		f.mu.Unlock()
	}
	return o
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func (f *fakeTransport) seenHandles() []*transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Handle(nil), f.handles...)
}

func newRecord(id string, size int) record.Record {
	r := record.New("trace-"+id, make([]byte, size))
	r.ID = id
	return r
}

func newEngine(t *testing.T, cfg Config, tr transport.Transport, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, tr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestDropOldestKeepsMostRecent(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, Config{
		MaxQueueBytes:       500 * 1024,
		QueueFullPolicy:     buffer.DropOldest,
		MaxBatchBytes:       64 * 1024,
		MaxDrainConcurrency: 1,
		MaxRetriesPerRecord: 3,
	}, tr)

	for i := 0; i < 1000; i++ {
		if err := e.Enqueue(context.Background(), newRecord(fmt.Sprintf("r%04d", i), 1024)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	st := e.State()
	if st.QueueSize != 500 || st.QueueBytes != 500*1024 {
		t.Fatalf("queue = %d records / %d bytes, want 500 / %d", st.QueueSize, st.QueueBytes, 500*1024)
	}
	if st.Evicted != 500 {
		t.Fatalf("evicted = %d, want 500", st.Evicted)
	}

	if res := e.Flush(5 * time.Second); res != Drained {
		t.Fatalf("flush = %s", res)
	}
	got := tr.deliveredIDs()
	if len(got) != 500 {
		t.Fatalf("delivered %d records", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("r%04d", 500+i); id != want {
			t.Fatalf("delivered[%d] = %s, want %s", i, id, want)
		}
	}
}

func TestRetryExhaustionThroughEngine(t *testing.T) {
	tr := &fakeTransport{send: func(context.Context, *transport.Handle, *record.Batch) record.Outcome {
		return record.RetryableFailure(errors.New("503"))
	}}
	e := newEngine(t, Config{
		MaxRetriesPerRecord: 3,
		BackoffBase:         time.Millisecond,
		BackoffMax:          4 * time.Millisecond,
	}, tr, WithJitterSource(func() float64 { return 0 }))

	if err := e.Enqueue(context.Background(), newRecord("only", 10)); err != nil {
		t.Fatal(err)
	}
	if res := e.Flush(5 * time.Second); res != Drained {
		t.Fatalf("flush = %s", res)
	}

	st := e.State()
	if st.Exhausted != 1 || !st.Idle() {
		t.Fatalf("state = %+v", st)
	}
	if got := tr.calls.Load(); got != 4 {
		t.Fatalf("sent %d times, want 4", got)
	}
}

func TestBackpressureConvergesAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	tr := &fakeTransport{send: func(context.Context, *transport.Handle, *record.Batch) record.Outcome {
		if failing.Load() {
			return record.RetryableFailure(errors.New("unavailable"))
		}
		return record.Succeeded()
	}}
	e := newEngine(t, Config{
		MaxBatchItems:       1,
		MaxDrainConcurrency: 4,
		FailureThreshold:    1,
		MaxRetriesPerRecord: 1000,
		BackoffBase:         time.Millisecond,
		BackoffMax:          8 * time.Millisecond,
	}, tr, WithJitterSource(func() float64 { return 0 }))

	if err := e.Enqueue(context.Background(), newRecord("r0", 10)); err != nil {
		t.Fatal(err)
	}

	converged := false
	for i := 0; i < 200 && !converged; i++ {
		e.Flush(20 * time.Millisecond)
		s := e.snapshot()
		converged = s.Concurrency == 1 && s.Delay == 8*time.Millisecond
	}
	if !converged {
		s := e.snapshot()
		t.Fatalf("did not converge: concurrency %d delay %s", s.Concurrency, s.Delay)
	}
	if err := e.Ready(); !errors.Is(err, ErrDegraded) {
		t.Fatalf("Ready = %v, want ErrDegraded", err)
	}

	failing.Store(false)
	for i := 1; i < 10; i++ {
		if err := e.Enqueue(context.Background(), newRecord(fmt.Sprintf("r%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}
	if res := e.Flush(5 * time.Second); res != Drained {
		t.Fatalf("flush = %s", res)
	}
	s := e.snapshot()
	if s.Concurrency != 4 || s.Delay != 0 || s.Degraded {
		t.Fatalf("not recovered: %+v", s)
	}
	if err := e.Ready(); err != nil {
		t.Fatalf("Ready = %v", err)
	}
}

func TestShutdownWithHungSends(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{}, 3)
	tr := &fakeTransport{send: func(ctx context.Context, _ *transport.Handle, _ *record.Batch) record.Outcome {
		started <- struct{}{}
		<-ctx.Done()
		return transport.Classify(context.Cause(ctx))
	}}
	e := newEngine(t, Config{
		MaxBatchItems:       1,
		MaxDrainConcurrency: 3,
		MaxRetriesPerRecord: 5,
		SendTimeout:         time.Hour,
		ShutdownTimeout:     100 * time.Millisecond,
		ShutdownGrace:       time.Second,
	}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Enqueue(ctx, newRecord(fmt.Sprintf("r%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("sends did not start")
		}
	}

	begin := time.Now()
	err := e.Shutdown(context.Background())
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if !errors.Is(err, ErrDataDiscarded) {
		t.Fatalf("shutdown error = %v, want ErrDataDiscarded", err)
	}

	for _, h := range tr.seenHandles() {
		if h.State() != transport.Closed {
			t.Errorf("handle %s left %s", h.ID(), h.State())
		}
		if !errors.Is(h.Cause(), ErrShutdown) {
			t.Errorf("handle %s cause = %v", h.ID(), h.Cause())
		}
	}
	if st := e.State(); !st.Idle() || st.Discarded != 3 {
		t.Fatalf("state after shutdown = %+v", st)
	}
	if !tr.closed.Load() {
		t.Error("transport not closed")
	}

	// Idempotent: same result, no second teardown.
	if again := e.Shutdown(context.Background()); again != err {
		t.Fatalf("second shutdown = %v, want %v", again, err)
	}
	if err := e.Enqueue(context.Background(), newRecord("late", 10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after shutdown = %v", err)
	}
	if err := e.Ready(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Ready = %v", err)
	}
}

func TestShutdownWithUncooperativeTransport(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	tr := &fakeTransport{send: func(context.Context, *transport.Handle, *record.Batch) record.Outcome {
		started <- struct{}{}
		<-release
		return record.Succeeded()
	}}
	e := newEngine(t, Config{
		ShutdownTimeout: 50 * time.Millisecond,
		ShutdownGrace:   50 * time.Millisecond,
	}, tr)

	if err := e.Enqueue(context.Background(), newRecord("r0", 10)); err != nil {
		t.Fatal(err)
	}
	go e.Flush(time.Hour)
	<-started

	begin := time.Now()
	_ = e.Shutdown(context.Background())
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("shutdown blocked on a send that ignores cancellation: %s", elapsed)
	}
	for _, h := range tr.seenHandles() {
		if h.State() != transport.Closed {
			t.Errorf("handle %s left %s", h.ID(), h.State())
		}
	}
}

func TestFlushTimeoutCancelsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	tr := &fakeTransport{send: func(ctx context.Context, _ *transport.Handle, _ *record.Batch) record.Outcome {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return transport.Classify(context.Cause(ctx))
	}}
	e := newEngine(t, Config{MaxRetriesPerRecord: 5, ShutdownTimeout: 50 * time.Millisecond}, tr)
	if err := e.Enqueue(context.Background(), newRecord("r0", 10)); err != nil {
		t.Fatal(err)
	}

	if res := e.Flush(50 * time.Millisecond); res != TimedOut {
		t.Fatalf("flush = %s, want timed_out", res)
	}
	<-started
	for _, h := range tr.seenHandles() {
		if !errors.Is(h.Cause(), ErrFlushTimeout) {
			t.Errorf("handle %s cause = %v", h.ID(), h.Cause())
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.State().QueueSize != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := e.State(); st.QueueSize != 1 || st.InFlightBatches != 0 {
		t.Fatalf("cancelled record not requeued: %+v", st)
	}
	_ = e.Shutdown(context.Background())
}

func TestFlushTimeoutDoesNotChargeRetries(t *testing.T) {
	tr := &fakeTransport{send: func(ctx context.Context, _ *transport.Handle, _ *record.Batch) record.Outcome {
		<-ctx.Done()
		return transport.Classify(context.Cause(ctx))
	}}
	e := newEngine(t, Config{
		MaxBatchItems:       1,
		MaxDrainConcurrency: 3,
		MaxRetriesPerRecord: 0,
		ShutdownTimeout:     50 * time.Millisecond,
	}, tr)
	for i := 0; i < 3; i++ {
		if err := e.Enqueue(context.Background(), newRecord(fmt.Sprintf("r%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}

	if res := e.Flush(50 * time.Millisecond); res != TimedOut {
		t.Fatalf("flush = %s, want timed_out", res)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.State().QueueSize != 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := e.State()
	if st.QueueSize != 3 || st.InFlightBatches != 0 {
		t.Fatalf("cancelled records not requeued: %+v", st)
	}
	if st.Exhausted != 0 || st.ConsecutiveFailures != 0 {
		t.Fatalf("cancellation charged as failure: %+v", st)
	}
	_ = e.Shutdown(context.Background())
}

func TestFlushPartiallyDrained(t *testing.T) {
	var n atomic.Int32
	tr := &fakeTransport{send: func(ctx context.Context, _ *transport.Handle, _ *record.Batch) record.Outcome {
		if n.Add(1) == 1 {
			return record.Succeeded()
		}
		<-ctx.Done()
		return transport.Classify(context.Cause(ctx))
	}}
	e := newEngine(t, Config{MaxBatchItems: 1, MaxDrainConcurrency: 1, ShutdownTimeout: 50 * time.Millisecond}, tr)
	for i := 0; i < 3; i++ {
		if err := e.Enqueue(context.Background(), newRecord(fmt.Sprintf("r%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}
	if res := e.Flush(100 * time.Millisecond); res != PartiallyDrained {
		t.Fatalf("flush = %s, want partially_drained", res)
	}
	_ = e.Shutdown(context.Background())
}

func TestFlushEmpty(t *testing.T) {
	e := newEngine(t, Config{}, &fakeTransport{})
	if res := e.Flush(0); res != Drained {
		t.Fatalf("flush of empty engine = %s", res)
	}
}

func TestSwallowEnqueueErrors(t *testing.T) {
	for _, swallow := range []bool{false, true} {
		t.Run(fmt.Sprintf("swallow=%v", swallow), func(t *testing.T) {
			e := newEngine(t, Config{
				MaxQueueBytes:        10,
				SwallowEnqueueErrors: swallow,
			}, &fakeTransport{})

			if err := e.Enqueue(context.Background(), newRecord("a", 10)); err != nil {
				t.Fatal(err)
			}
			err := e.Enqueue(context.Background(), newRecord("b", 10))
			if swallow && err != nil {
				t.Fatalf("swallowed enqueue returned %v", err)
			}
			if !swallow && !errors.Is(err, ErrQueueFull) {
				t.Fatalf("enqueue = %v, want ErrQueueFull", err)
			}
			if st := e.State(); st.Rejected != 1 || st.QueueSize != 1 {
				t.Fatalf("state = %+v", st)
			}
		})
	}
}

func TestDedupWindow(t *testing.T) {
	e := newEngine(t, Config{DedupWindow: time.Minute}, &fakeTransport{})
	for i := 0; i < 3; i++ {
		if err := e.Enqueue(context.Background(), newRecord("same", 10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Enqueue(context.Background(), newRecord("other", 10)); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.QueueSize != 2 {
		t.Fatalf("queue size = %d, want 2", st.QueueSize)
	}
}

func TestDedupAllowsRetryAfterQueueFull(t *testing.T) {
	e := newEngine(t, Config{DedupWindow: time.Minute, MaxQueueBytes: 100}, &fakeTransport{})

	if err := e.Enqueue(context.Background(), newRecord("a", 100)); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(context.Background(), newRecord("b", 10)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue = %v, want ErrQueueFull", err)
	}
	if res := e.Flush(time.Second); res != Drained {
		t.Fatalf("flush = %s", res)
	}

	if err := e.Enqueue(context.Background(), newRecord("b", 10)); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.QueueSize != 1 || st.Enqueued != 2 {
		t.Fatalf("refused record not admitted on retry: %+v", st)
	}

	// Once admitted, the span is a duplicate.
	if err := e.Enqueue(context.Background(), newRecord("b", 10)); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.QueueSize != 1 {
		t.Fatalf("duplicate admitted: %+v", st)
	}
}

type captureSink struct {
	mu        sync.Mutex
	fatals    []stats.FatalEvent
	snapshots []stats.Snapshot
}

func (c *captureSink) Snapshot(s stats.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
}

func (c *captureSink) Fatal(e stats.FatalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatals = append(c.fatals, e)
}

func TestFatalAndSnapshotsReachSink(t *testing.T) {
	sink := &captureSink{}
	tr := &fakeTransport{send: func(context.Context, *transport.Handle, *record.Batch) record.Outcome {
		return transport.Classify(&transport.SendError{Type: transport.ErrorTypeClientError, StatusCode: 422})
	}}
	e := newEngine(t, Config{}, tr, WithSink(sink))
	if err := e.Enqueue(context.Background(), newRecord("r0", 10)); err != nil {
		t.Fatal(err)
	}
	if res := e.Flush(5 * time.Second); res != Drained {
		t.Fatalf("flush = %s", res)
	}
	s := e.Snapshot()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.fatals) != 1 || sink.fatals[0].Records != 1 {
		t.Fatalf("fatal events = %+v", sink.fatals)
	}
	if len(sink.snapshots) != 1 {
		t.Fatalf("snapshots = %d", len(sink.snapshots))
	}
	if s.Dropped != 1 || s.DistinctTraces < 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestStartTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEngine(t, Config{}, &fakeTransport{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("clean shutdown = %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Shutdown = %v", err)
	}
}

func TestBackgroundLoopDelivers(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(t, Config{MinBatchFlushInterval: 10 * time.Millisecond, DrainInterval: 5 * time.Millisecond}, tr)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	for i := 0; i < 20; i++ {
		if err := e.Enqueue(context.Background(), newRecord(fmt.Sprintf("r%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.State().Delivered < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := e.State().Delivered; got != 20 {
		t.Fatalf("delivered %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad policy", func(c *Config) { c.QueueFullPolicy = "spill" }, false},
		{"batch larger than queue", func(c *Config) { c.MaxQueueBytes = 100; c.MaxBatchBytes = 200 }, false},
		{"negative retries", func(c *Config) { c.MaxRetriesPerRecord = -1 }, false},
		{"base over max", func(c *Config) { c.BackoffBase = time.Minute; c.BackoffMax = time.Second }, false},
		{"jitter", func(c *Config) { c.BackoffJitter = 1.5 }, false},
		{"min over max items", func(c *Config) { c.MinBatchItems = 10; c.MaxBatchItems = 5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mut(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
}

func TestDefaultBatchBytesClampedToQueue(t *testing.T) {
	c := Config{MaxQueueBytes: 1024}
	c.ApplyDefaults()
	if c.MaxBatchBytes != 1024 {
		t.Fatalf("max batch bytes = %d", c.MaxBatchBytes)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}
