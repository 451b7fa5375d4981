package record

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one send attempt.
type OutcomeKind int

const (
	// Success means the collector accepted the batch.
	Success OutcomeKind = iota
	// Retryable means the batch may succeed later (5xx, 429, timeouts).
	Retryable
	// Fatal means the batch will never be accepted (4xx other than 408/413/429).
	Fatal
)

// String returns the metric label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is what a transport reports for a batch.
type Outcome struct {
	Kind OutcomeKind
	Err  error
	// RetryAfter is the collector's hint for the next attempt, zero if none.
	RetryAfter time.Duration
	// Oversized is set when the collector rejected the batch for its size.
	Oversized bool
	// Failed lists the indexes of the batch items that were not delivered
	// when the rest of the batch was. Nil means the outcome applies to every
	// item.
	Failed []int
}

// Succeeded returns a Success outcome.
func Succeeded() Outcome { return Outcome{Kind: Success} }

// RetryableFailure returns a retryable outcome carrying err.
func RetryableFailure(err error) Outcome { return Outcome{Kind: Retryable, Err: err} }

// FatalFailure returns a fatal outcome carrying err.
func FatalFailure(err error) Outcome { return Outcome{Kind: Fatal, Err: err} }

// Partial reports whether the outcome covers only the Failed items.
func (o Outcome) Partial() bool { return o.Kind != Success && o.Failed != nil }

// Reason returns the failure message, empty on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
