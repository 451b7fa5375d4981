package cardinality

import "github.com/bits-and-blooms/bloom/v3"

// spanSet holds the span IDs of one window generation. Callers hold the
// Window lock, so implementations are not synchronized.
type spanSet interface {
	has(id string) bool
	mark(id string)
	clear()
}

func newSpanSet(cfg Config) spanSet {
	if cfg.Mode == ModeExact {
		return exactSpans{}
	}
	cfg = cfg.withDefaults()
	return &bloomSpans{f: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate)}
}

type bloomSpans struct {
	f *bloom.BloomFilter
}

func (b *bloomSpans) has(id string) bool { return b.f.TestString(id) }
func (b *bloomSpans) mark(id string)     { b.f.AddString(id) }
func (b *bloomSpans) clear()             { b.f.ClearAll() }

type exactSpans map[string]struct{}

func (e exactSpans) has(id string) bool {
	_, ok := e[id]
	return ok
}

func (e exactSpans) mark(id string) { e[id] = struct{}{} }

func (e exactSpans) clear() { clear(e) }
