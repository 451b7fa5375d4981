package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_BlockedProducerTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(Config{MaxBytes: 100, Policy: Block, BlockTimeout: 20 * time.Millisecond})
	if err := b.Enqueue(context.Background(), rec(100)); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(context.Background(), rec(10)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestLeakCheck_BlockedProducerClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(Config{MaxBytes: 100, Policy: Block})
	if err := b.Enqueue(context.Background(), rec(100)); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Enqueue(context.Background(), rec(10)) }()

	waitBlocked(t, b)
	b.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
