// Package intern deduplicates the encoded resource and scope blocks that
// thousands of spans from one SDK share, so each buffered record keeps a
// reference to one copy instead of its own.
package intern

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Pool provides byte-block interning with periodic cleanup.
// It uses sync.Map for lock-free concurrent reads.
type Pool struct {
	blocks  sync.Map
	size    atomic.Int64
	hits    atomic.Uint64
	misses  atomic.Uint64
	maxSize int64
}

// NewPool creates a pool that stops storing new entries once it holds
// maxSize of them. maxSize <= 0 means unbounded.
func NewPool(maxSize int64) *Pool {
	return &Pool{maxSize: maxSize}
}

// InternBytes returns a shared string holding b. The lookup does not
// allocate; only the first occurrence of a block is copied.
func (p *Pool) InternBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if interned, ok := p.blocks.Load(unsafeString(b)); ok {
		p.hits.Add(1)
		return interned.(string)
	}

	clone := string(b)
	if p.maxSize > 0 && p.size.Load() >= p.maxSize {
		// Full: hand out an unshared copy rather than grow without bound.
		p.misses.Add(1)
		return clone
	}
	actual, loaded := p.blocks.LoadOrStore(clone, clone)
	if loaded {
		p.hits.Add(1)
	} else {
		p.size.Add(1)
		p.misses.Add(1)
	}
	return actual.(string)
}

// Stats returns hit/miss statistics.
func (p *Pool) Stats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}

// Size returns the number of interned blocks.
func (p *Pool) Size() int {
	return int(p.size.Load())
}

// Reset clears all interned blocks and resets statistics.
func (p *Pool) Reset() {
	p.blocks.Range(func(k, _ any) bool {
		p.blocks.Delete(k)
		return true
	})
	p.size.Store(0)
	p.hits.Store(0)
	p.misses.Store(0)
}

// unsafeString converts a byte slice to a string without allocation.
// Only used for map lookups, never stored.
func unsafeString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// Resources is the process-wide pool for encoded resource and scope blocks.
var Resources = NewPool(65536)
