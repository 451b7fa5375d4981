package buffer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/szibis/trace-batcher/internal/record"
)

func rec(size int) record.Record {
	return record.New("trace", make([]byte, size))
}

func recAt(size int, created time.Time) record.Record {
	r := rec(size)
	r.CreatedAt = created
	return r
}

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

// waitBlocked waits until a producer is parked on the space condition.
func waitBlocked(t *testing.T, b *Buffer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := &dto.Metric{}
		_ = bufferBlockedProducers.Write(m)
		if m.GetGauge().GetValue() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("producer never blocked")
}

func TestParsePolicy(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"reject", Reject, false},
		{"drop_oldest", DropOldest, false},
		{"block", Block, false},
		{"", Reject, false},
		{"dropNewest", "", true},
	} {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = (%q, %v)", tt.in, got, err)
		}
	}
}

func TestEnqueueAccounting(t *testing.T) {
	b := New(Config{MaxBytes: 1000})
	for i := 0; i < 3; i++ {
		if err := b.Enqueue(context.Background(), rec(100)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	st := b.State()
	if st.QueueSize != 3 || st.QueueBytes != 300 || st.Enqueued != 3 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestEnqueueReject(t *testing.T) {
	b := New(Config{MaxBytes: 250, Policy: Reject})
	before := counterValue(bufferRejectedTotal.WithLabelValues(reasonFull))

	_ = b.Enqueue(context.Background(), rec(100))
	_ = b.Enqueue(context.Background(), rec(100))
	err := b.Enqueue(context.Background(), rec(100))

	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if st := b.State(); st.QueueBytes != 200 || st.Rejected != 1 {
		t.Errorf("unexpected state %+v", st)
	}
	if got := counterValue(bufferRejectedTotal.WithLabelValues(reasonFull)) - before; got != 1 {
		t.Errorf("rejected counter delta = %v, want 1", got)
	}
}

func TestEnqueueTooLarge(t *testing.T) {
	for _, p := range []Policy{Reject, DropOldest, Block} {
		t.Run(string(p), func(t *testing.T) {
			b := New(Config{MaxBytes: 100, Policy: p, BlockTimeout: time.Second})
			_ = b.Enqueue(context.Background(), rec(50))
			err := b.Enqueue(context.Background(), rec(101))
			if !errors.Is(err, ErrRecordTooLarge) {
				t.Fatalf("expected ErrRecordTooLarge, got %v", err)
			}
			if b.State().QueueSize != 1 {
				t.Error("existing record must not be evicted for an oversized one")
			}
		})
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := New(Config{MaxBytes: 500 * 1024, Policy: DropOldest})

	var ids []string
	for i := 0; i < 1000; i++ {
		r := rec(1024)
		ids = append(ids, r.ID)
		if err := b.Enqueue(context.Background(), r); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	st := b.State()
	if st.QueueSize != 500 || st.QueueBytes != 500*1024 {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Evicted != 500 {
		t.Errorf("Evicted = %d, want 500", st.Evicted)
	}
	items := b.TakeUpTo(0, 1<<40)
	for i, it := range items {
		if it.Record.ID != ids[500+i] {
			t.Fatalf("item %d = %s, want %s", i, it.Record.ID, ids[500+i])
		}
	}
}

func TestDropOldestCannotEvictInFlight(t *testing.T) {
	b := New(Config{MaxBytes: 300, Policy: DropOldest})
	_ = b.Enqueue(context.Background(), rec(100))
	_ = b.Enqueue(context.Background(), rec(100))
	_ = b.Enqueue(context.Background(), rec(100))

	taken := b.TakeUpTo(3, 1000)
	if len(taken) != 3 {
		t.Fatalf("took %d", len(taken))
	}
	if err := b.Enqueue(context.Background(), rec(50)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull with everything in flight, got %v", err)
	}

	b.Settle(taken, record.Success, 3)
	if err := b.Enqueue(context.Background(), rec(50)); err != nil {
		t.Fatalf("expected room after settle, got %v", err)
	}
}

func TestBlockWaitsForSpace(t *testing.T) {
	b := New(Config{MaxBytes: 100, Policy: Block, BlockTimeout: 5 * time.Second})
	_ = b.Enqueue(context.Background(), rec(100))

	done := make(chan error, 1)
	go func() { done <- b.Enqueue(context.Background(), rec(40)) }()
	waitBlocked(t, b)

	taken := b.TakeUpTo(1, 1000)
	b.Settle(taken, record.Success, 3)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked enqueue: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked producer was not woken")
	}
	if st := b.State(); st.QueueBytes != 40 {
		t.Errorf("QueueBytes = %d, want 40", st.QueueBytes)
	}
}

func TestBlockHonoursContext(t *testing.T) {
	b := New(Config{MaxBytes: 100, Policy: Block})
	_ = b.Enqueue(context.Background(), rec(100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Enqueue(ctx, rec(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	b := New(Config{MaxBytes: 100})
	b.Close()
	b.Close()
	if err := b.Enqueue(context.Background(), rec(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTakeUpToBounds(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	for _, size := range []int{100, 200, 300, 400} {
		_ = b.Enqueue(context.Background(), rec(size))
	}

	items := b.TakeUpTo(10, 350)
	if len(items) != 2 {
		t.Fatalf("took %d items, want 2", len(items))
	}
	st := b.State()
	if st.InFlightBatches != 1 || st.InFlightBytes != 300 || st.QueueBytes != 700 {
		t.Errorf("unexpected state %+v", st)
	}

	items = b.TakeUpTo(1, 10000)
	if len(items) != 1 || items[0].Record.Size != 300 {
		t.Fatalf("count bound not honoured: %d", len(items))
	}
}

func TestTakeUpToOversizedFirstItem(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	_ = b.Enqueue(context.Background(), rec(5000))
	_ = b.Enqueue(context.Background(), rec(10))

	items := b.TakeUpTo(10, 1000)
	if len(items) != 1 || items[0].Record.Size != 5000 {
		t.Fatalf("oversized record must form its own batch, got %d items", len(items))
	}
}

func TestTakeReadyRules(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		sizes     []int
		created   time.Time
		r         Readiness
		inFlight  int
		maxFlight int
		wantItems int
	}{
		{"below min defers", []int{10, 10}, now, Readiness{MinItems: 5, Linger: time.Second, Now: now}, 0, 4, 0},
		{"force overrides min", []int{10, 10}, now, Readiness{MinItems: 5, Force: true, Now: now}, 0, 4, 2},
		{"linger elapsed", []int{10}, now.Add(-2 * time.Second), Readiness{MinItems: 5, Linger: time.Second, Now: now}, 0, 4, 1},
		{"byte threshold reached", []int{600, 600}, now, Readiness{MinItems: 5, Linger: time.Hour, Now: now}, 0, 4, 1},
		{"min reached", []int{1, 1, 1}, now, Readiness{MinItems: 3, Linger: time.Hour, Now: now}, 0, 4, 3},
		{"in-flight limit", []int{10}, now, Readiness{Force: true, Now: now}, 2, 2, 0},
		{"empty", nil, now, Readiness{Force: true, Now: now}, 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(Config{MaxBytes: 1 << 20})
			for i := 0; i < tt.inFlight; i++ {
				_ = b.Enqueue(context.Background(), rec(1))
				b.TakeUpTo(1, 1)
			}
			for _, s := range tt.sizes {
				_ = b.Enqueue(context.Background(), recAt(s, tt.created))
			}
			got := b.TakeReady(tt.r, 100, 1000, tt.maxFlight)
			if len(got) != tt.wantItems {
				t.Errorf("TakeReady returned %d items, want %d", len(got), tt.wantItems)
			}
		})
	}
}

func TestSettleRetryableRequeuesAtFront(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	first, second, third := rec(10), rec(10), rec(10)
	_ = b.Enqueue(context.Background(), first)
	_ = b.Enqueue(context.Background(), second)

	taken := b.TakeUpTo(2, 1000)
	_ = b.Enqueue(context.Background(), third)

	s := b.Settle(taken, record.Retryable, 3)
	if s.Requeued != 2 || s.ConsecutiveFailures != 1 {
		t.Errorf("unexpected settlement %+v", s)
	}

	items := b.TakeUpTo(10, 1000)
	want := []string{first.ID, second.ID, third.ID}
	for i, it := range items {
		if it.Record.ID != want[i] {
			t.Fatalf("order broken at %d: %s != %s", i, it.Record.ID, want[i])
		}
	}
	if items[0].Attempts != 1 || items[2].Attempts != 0 {
		t.Errorf("attempts = %d/%d", items[0].Attempts, items[2].Attempts)
	}
}

func TestSettleExhaustsRetries(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	r := rec(10)
	_ = b.Enqueue(context.Background(), r)

	const maxRetries = 3
	sends := 0
	for {
		items := b.TakeUpTo(1, 100)
		if len(items) == 0 {
			break
		}
		sends++
		b.Settle(items, record.Retryable, maxRetries)
	}
	if sends != maxRetries+1 {
		t.Errorf("record sent %d times, want %d", sends, maxRetries+1)
	}
	st := b.State()
	if st.Exhausted != 1 || st.QueueSize != 0 || st.InFlightBatches != 0 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestSettleSuccessResetsFailures(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	for i := 0; i < 3; i++ {
		_ = b.Enqueue(context.Background(), rec(10))
	}
	b.Settle(b.TakeUpTo(1, 100), record.Retryable, 5)
	b.Settle(b.TakeUpTo(1, 100), record.Fatal, 5)
	if got := b.State().ConsecutiveFailures; got != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", got)
	}
	s := b.Settle(b.TakeUpTo(1, 100), record.Success, 5)
	if s.ConsecutiveFailures != 0 || s.Delivered != 1 {
		t.Errorf("unexpected settlement %+v", s)
	}
	if st := b.State(); st.Fatal != 1 {
		t.Errorf("Fatal = %d, want 1", st.Fatal)
	}
}

func TestSettlePartialChargesOnlyFailed(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	for i := 0; i < 4; i++ {
		_ = b.Enqueue(context.Background(), rec(10))
	}
	taken := b.TakeUpTo(4, 1000)

	s := b.SettlePartial(taken, []int{1, 3}, record.Retryable, 3)
	if s.Delivered != 2 || s.Requeued != 2 || s.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected settlement %+v", s)
	}
	st := b.State()
	if st.Delivered != 2 || st.QueueSize != 2 || st.QueueBytes != 20 || st.InFlightBytes != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
	items := b.TakeUpTo(10, 1000)
	if len(items) != 2 || items[0].Record.ID != taken[1].Record.ID || items[1].Record.ID != taken[3].Record.ID {
		t.Fatalf("wrong records requeued: %+v", items)
	}
	if items[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", items[0].Attempts)
	}
}

func TestReleaseLeavesAttemptsAlone(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	_ = b.Enqueue(context.Background(), rec(10))

	for i := 0; i < 5; i++ {
		s := b.Release(b.TakeUpTo(1, 100))
		if s.Requeued != 1 || s.ConsecutiveFailures != 0 {
			t.Fatalf("release %d: unexpected settlement %+v", i, s)
		}
	}
	items := b.TakeUpTo(1, 100)
	if len(items) != 1 || items[0].Attempts != 0 {
		t.Fatalf("released record charged: %+v", items)
	}
	if st := b.State(); st.Exhausted != 0 || st.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestDiscard(t *testing.T) {
	b := New(Config{MaxBytes: 10000})
	for i := 0; i < 4; i++ {
		_ = b.Enqueue(context.Background(), rec(10))
	}
	inFlight := b.TakeUpTo(1, 100)

	if n := b.Discard(); n != 3 {
		t.Errorf("Discard() = %d, want 3", n)
	}
	s := b.Settle(inFlight, record.Retryable, 5)
	if s.Requeued != 0 || s.Discarded != 1 {
		t.Errorf("settlement after discard = %+v", s)
	}
	if st := b.State(); !st.Idle() || st.Outstanding() != 0 {
		t.Errorf("expected idle buffer, got %+v", st)
	}
}

func TestWatchNotifies(t *testing.T) {
	b := New(Config{MaxBytes: 1000})
	_, ch := b.Watch()

	_ = b.Enqueue(context.Background(), rec(1))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed on change")
	}

	st, ch2 := b.Watch()
	if st.QueueSize != 1 {
		t.Errorf("QueueSize = %d", st.QueueSize)
	}
	select {
	case <-ch2:
		t.Fatal("fresh watch channel must stay open until the next change")
	default:
	}
}

func TestOldestAge(t *testing.T) {
	b := New(Config{MaxBytes: 1000})
	now := time.Now()
	if b.OldestAge(now) != 0 {
		t.Error("empty buffer must report zero age")
	}
	_ = b.Enqueue(context.Background(), recAt(1, now.Add(-time.Minute)))
	if got := b.OldestAge(now); got != time.Minute {
		t.Errorf("OldestAge = %v", got)
	}
}

func TestConcurrentCapNeverExceeded(t *testing.T) {
	const maxBytes = 64 * 1024
	for _, policy := range []Policy{Reject, DropOldest} {
		t.Run(string(policy), func(t *testing.T) {
			b := New(Config{MaxBytes: maxBytes, Policy: policy})
			var wg sync.WaitGroup
			stop := make(chan struct{})

			var violations int
			var vmu sync.Mutex
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					if st := b.State(); st.Outstanding() > maxBytes {
						vmu.Lock()
						violations++
						vmu.Unlock()
					}
				}
			}()

			var producers sync.WaitGroup
			for p := 0; p < 4; p++ {
				producers.Add(1)
				go func(seed int64) {
					defer producers.Done()
					rng := rand.New(rand.NewSource(seed))
					for i := 0; i < 2000; i++ {
						_ = b.Enqueue(context.Background(), rec(rng.Intn(2048)+1))
					}
				}(int64(p))
			}

			producers.Add(1)
			go func() {
				defer producers.Done()
				kinds := []record.OutcomeKind{record.Success, record.Retryable, record.Fatal}
				for i := 0; i < 2000; i++ {
					items := b.TakeUpTo(16, 8192)
					if len(items) == 0 {
						continue
					}
					b.Settle(items, kinds[i%len(kinds)], 2)
				}
			}()

			producers.Wait()
			close(stop)
			wg.Wait()
			if violations > 0 {
				t.Fatalf("byte cap exceeded %d times", violations)
			}
		})
	}
}

func ExampleBuffer_Enqueue() {
	b := New(Config{MaxBytes: 2048, Policy: Reject})
	for i := 0; i < 3; i++ {
		err := b.Enqueue(context.Background(), record.New("t", make([]byte, 1024)))
		fmt.Println(err)
	}
	// Output:
	// <nil>
	// <nil>
	// queue full
}
