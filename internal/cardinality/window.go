package cardinality

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var windowRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "trace_batcher_dedup_window_rotations_total",
	Help: "Number of dedup window rotations",
})

func init() {
	prometheus.MustRegister(windowRotationsTotal)
	windowRotationsTotal.Add(0)
}

// Window remembers span IDs for between one and two intervals: an ID
// marked in the current generation survives one rotation in the previous
// one.
//
// Admission is two-phase. Reserve claims an ID before the record is
// offered to the buffer; Commit marks it once the buffer took the record
// and Cancel gives the claim back when it did not, so a refused record
// can be retried. A reserved ID counts as a duplicate for concurrent
// producers.
type Window struct {
	mu        sync.Mutex
	interval  time.Duration
	current   spanSet
	previous  spanSet
	pending   map[string]struct{}
	rotatedAt time.Time
	now       func() time.Time
}

// NewWindow creates a Window. ModeHLL has no membership and falls back to
// bloom. interval <= 0 defaults to one minute.
func NewWindow(cfg Config, interval time.Duration) *Window {
	if cfg.Mode == ModeHLL {
		cfg.Mode = ModeBloom
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Window{
		interval:  interval,
		current:   newSpanSet(cfg),
		previous:  newSpanSet(cfg),
		pending:   make(map[string]struct{}),
		rotatedAt: time.Now(),
		now:       time.Now,
	}
}

// Reserve claims id for one admission attempt. It returns false when id is
// already in the window or being admitted by another producer.
func (w *Window) Reserve(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked()

	if _, ok := w.pending[id]; ok {
		return false
	}
	if w.current.has(id) || w.previous.has(id) {
		return false
	}
	w.pending[id] = struct{}{}
	return true
}

// Commit marks a reserved id as seen.
func (w *Window) Commit(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, id)
	w.rotateLocked()
	w.current.mark(id)
}

// Cancel drops the reservation of an id whose record was not admitted.
func (w *Window) Cancel(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *Window) rotateLocked() {
	now := w.now()
	if now.Sub(w.rotatedAt) < w.interval {
		return
	}
	w.previous, w.current = w.current, w.previous
	w.current.clear()
	// Idle for two intervals: nothing in previous is young enough to keep.
	if now.Sub(w.rotatedAt) >= 2*w.interval {
		w.previous.clear()
	}
	w.rotatedAt = now
	windowRotationsTotal.Inc()
}
