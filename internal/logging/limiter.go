package logging

import (
	"sync"
	"time"
)

// Sampler lets one message per key through per interval and counts the
// suppressed ones, so hot paths (rejected enqueues, retry storms) can log
// without flooding the output.
type Sampler struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	skipped  map[string]int64
}

// NewSampler creates a Sampler. interval <= 0 defaults to 10s.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{
		interval: interval,
		last:     make(map[string]time.Time),
		skipped:  make(map[string]int64),
	}
}

// Allow reports whether a message for key may be emitted now. When it
// returns true, suppressed is the number of messages skipped since the
// previous emission.
func (s *Sampler) Allow(key string) (ok bool, suppressed int64) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, seen := s.last[key]; seen && now.Sub(last) < s.interval {
		s.skipped[key]++
		return false, 0
	}
	suppressed = s.skipped[key]
	s.skipped[key] = 0
	s.last[key] = now
	return true, suppressed
}

// Warn emits a sampled warning. The "suppressed" field carries how many
// identical warnings were dropped since the last one.
func (s *Sampler) Warn(key, msg string, fields map[string]interface{}) {
	ok, suppressed := s.Allow(key)
	if !ok {
		return
	}
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	if suppressed > 0 {
		fields["suppressed"] = suppressed
	}
	Warn(msg, fields)
}
