package cardinality

import (
	"encoding/hex"
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// TraceEstimator estimates how many distinct trace IDs were observed since
// the last Reset, in fixed memory. Safe for concurrent use.
type TraceEstimator struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewTraceEstimator creates an empty estimator with about 0.8% standard
// error.
func NewTraceEstimator() *TraceEstimator {
	return &TraceEstimator{sketch: hyperloglog.New14()}
}

// Observe adds a trace ID. Hex IDs are hashed by their decoded bytes so
// upper and lower case spellings count once.
func (e *TraceEstimator) Observe(traceID string) {
	if traceID == "" {
		return
	}
	key, err := hex.DecodeString(traceID)
	if err != nil {
		key = []byte(traceID)
	}
	e.mu.Lock()
	e.sketch.Insert(key)
	e.mu.Unlock()
}

// Estimate returns the distinct trace count.
func (e *TraceEstimator) Estimate() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.sketch.Estimate())
}

// Reset forgets every observed trace.
func (e *TraceEstimator) Reset() {
	e.mu.Lock()
	e.sketch = hyperloglog.New14()
	e.mu.Unlock()
}
