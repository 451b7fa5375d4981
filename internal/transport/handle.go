package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HandleState is the ownership tag of a Handle.
type HandleState int32

const (
	// Unclaimed: created, no owner yet.
	Unclaimed HandleState = iota
	// InUse: claimed by exactly one owner.
	InUse
	// Closed: released; terminal.
	Closed
)

func (s HandleState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case InUse:
		return "in-use"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("HandleState(%d)", int32(s))
	}
}

var (
	// ErrDualOwnership marks an attempt to claim, close or cancel a handle
	// owned by someone else. It is a programming error.
	ErrDualOwnership = errors.New("transport handle owned by another caller")
	// ErrHandleClosed is returned when claiming a closed handle, and is the
	// cancellation cause of a handle closed normally.
	ErrHandleClosed = errors.New("transport handle closed")
)

// DualOwnershipError details an ownership violation.
type DualOwnershipError struct {
	HandleID string
	Op       string
	Owner    uint64
	Caller   uint64
}

func (e *DualOwnershipError) Error() string {
	return fmt.Sprintf("%s of handle %s by owner %d: held by owner %d", e.Op, e.HandleID, e.Caller, e.Owner)
}

// Unwrap makes errors.Is(err, ErrDualOwnership) true.
func (e *DualOwnershipError) Unwrap() error { return ErrDualOwnership }

// Handle is the resource a transport holds for one send: its context plus
// whatever the transport registers with OnClose (a streaming request body,
// a pooled encoder). State moves unclaimed -> in-use -> closed and never back.
// Closing or cancelling a closed handle is a no-op, so every release happens
// exactly once.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	state HandleState
	owner uint64
	hooks []func()
	cause error
}

// NewHandle creates an unclaimed handle whose context derives from parent.
func NewHandle(parent context.Context, id string) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{id: id, ctx: ctx, cancel: cancel}
}

// ID returns the handle identifier (the batch ID).
func (h *Handle) ID() string { return h.id }

// Context is cancelled when the handle is closed or cancelled.
func (h *Handle) Context() context.Context { return h.ctx }

// State returns the current ownership tag.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Owner returns the current owner token, 0 when unclaimed.
func (h *Handle) Owner() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Claim makes owner the exclusive owner. Re-claiming by the same owner is
// allowed.
func (h *Handle) Claim(owner uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Unclaimed:
		h.state = InUse
		h.owner = owner
		return nil
	case InUse:
		if h.owner == owner {
			return nil
		}
		return &DualOwnershipError{HandleID: h.id, Op: "claim", Owner: h.owner, Caller: owner}
	default:
		return ErrHandleClosed
	}
}

// OnClose registers f to run once when the handle is closed or cancelled.
// If the handle is already closed, f runs immediately.
func (h *Handle) OnClose(f func()) {
	h.mu.Lock()
	if h.state != Closed {
		h.hooks = append(h.hooks, f)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	f()
}

// Close releases the handle. Closing a closed handle returns nil.
func (h *Handle) Close(owner uint64) error {
	return h.release(owner, "close", ErrHandleClosed)
}

// Cancel aborts the operation using the handle and releases it. Cancelling a
// closed handle returns nil.
func (h *Handle) Cancel(owner uint64, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return h.release(owner, "cancel", cause)
}

// Cause returns why the handle was released, nil while open.
func (h *Handle) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

func (h *Handle) release(owner uint64, op string, cause error) error {
	h.mu.Lock()
	switch h.state {
	case Closed:
		h.mu.Unlock()
		return nil
	case InUse:
		if h.owner != owner {
			err := &DualOwnershipError{HandleID: h.id, Op: op, Owner: h.owner, Caller: owner}
			h.mu.Unlock()
			return err
		}
	}
	h.state = Closed
	h.cause = cause
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	h.cancel(cause)
	for _, f := range hooks {
		f()
	}
	return nil
}
