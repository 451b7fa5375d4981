// Package cardinality answers two questions about the span stream: has this
// span ID been enqueued recently (the dedup Window), and roughly how many
// distinct traces passed through (the TraceEstimator).
package cardinality

import "fmt"

// Mode selects how the dedup window remembers span IDs.
type Mode int

const (
	// ModeBloom remembers IDs in a Bloom filter: fixed memory, and a new ID
	// is taken for a duplicate at the configured false positive rate.
	ModeBloom Mode = iota
	// ModeExact remembers every ID in a map; memory grows with traffic.
	ModeExact
	// ModeHLL only estimates counts. It is accepted by ParseMode so
	// configuration can name it, and rejected for dedup.
	ModeHLL
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeBloom:
		return "bloom"
	case ModeExact:
		return "exact"
	case ModeHLL:
		return "hll"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode string. Empty means bloom.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "bloom":
		return ModeBloom, nil
	case "exact":
		return ModeExact, nil
	case "hll":
		return ModeHLL, nil
	default:
		return ModeBloom, fmt.Errorf("unknown cardinality mode %q", s)
	}
}

// Config sizes the dedup window.
type Config struct {
	Mode Mode

	// ExpectedItems sizes the Bloom filter.
	ExpectedItems uint

	// FalsePositiveRate is the Bloom filter target; 0.01 = 1%.
	FalsePositiveRate float64
}

// DefaultConfig returns defaults sized for span IDs seen in one window.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeBloom,
		ExpectedItems:     1_000_000,
		FalsePositiveRate: 0.001,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpectedItems == 0 {
		c.ExpectedItems = d.ExpectedItems
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = d.FalsePositiveRate
	}
	return c
}
