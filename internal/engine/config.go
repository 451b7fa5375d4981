package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/szibis/trace-batcher/internal/buffer"
	"github.com/szibis/trace-batcher/internal/cardinality"
	"github.com/szibis/trace-batcher/internal/drain"
)

// Config holds engine settings. Zero values take the defaults below.
type Config struct {
	MaxQueueBytes   int64
	QueueFullPolicy buffer.Policy
	// BlockTimeout bounds how long a producer waits under the block policy.
	BlockTimeout time.Duration

	MaxBatchItems int
	MaxBatchBytes int64
	MinBatchItems int
	// MinBatchFlushInterval releases a short batch once its oldest record
	// has waited this long.
	MinBatchFlushInterval time.Duration

	MaxDrainConcurrency int
	FailureThreshold    int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	BackoffJitter       float64

	MaxRetriesPerRecord int
	SendTimeout         time.Duration

	ShutdownTimeout time.Duration
	ShutdownGrace   time.Duration

	DrainInterval     time.Duration
	FlushPollInterval time.Duration

	SnapshotInterval     time.Duration
	DistinctTracesWindow time.Duration

	// DedupWindow > 0 drops records whose ID was enqueued within the window.
	DedupWindow time.Duration
	Dedup       cardinality.Config

	BatchTuning BatchTuningConfig

	// SwallowEnqueueErrors makes Enqueue return nil for rejected records.
	// They are still counted and logged.
	SwallowEnqueueErrors bool
	RejectLogInterval    time.Duration
}

// BatchTuningConfig enables the batch byte-size tuner.
type BatchTuningConfig struct {
	Enabled       bool
	MinBytes      int64
	SuccessStreak int32
	GrowFactor    float64
	ShrinkFactor  float64
}

// Defaults.
const (
	DefaultMaxQueueBytes         = 64 * 1024 * 1024
	DefaultMaxBatchItems         = 512
	DefaultMaxBatchBytes         = 4 * 1024 * 1024
	DefaultMinBatchFlushInterval = time.Second
	DefaultMaxDrainConcurrency   = 4
	DefaultFailureThreshold      = 3
	DefaultBackoffBase           = 100 * time.Millisecond
	DefaultBackoffMax            = 30 * time.Second
	DefaultBackoffJitter         = 0.1
	DefaultSendTimeout           = 30 * time.Second
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultShutdownGrace         = time.Second
	DefaultDrainInterval         = 100 * time.Millisecond
	DefaultFlushPollInterval     = 50 * time.Millisecond
	DefaultSnapshotInterval      = 30 * time.Second
	DefaultDistinctTracesWindow  = time.Minute
	DefaultRejectLogInterval     = 10 * time.Second
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.MaxRetriesPerRecord = drain.DefaultMaxRetriesPerRecord
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero fields. MaxRetriesPerRecord is left alone: zero
// is a valid setting meaning no retries.
func (c *Config) ApplyDefaults() {
	if c.MaxQueueBytes == 0 {
		c.MaxQueueBytes = DefaultMaxQueueBytes
	}
	if c.QueueFullPolicy == "" {
		c.QueueFullPolicy = buffer.Reject
	}
	if c.MaxBatchItems == 0 {
		c.MaxBatchItems = DefaultMaxBatchItems
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
		if c.MaxBatchBytes > c.MaxQueueBytes {
			c.MaxBatchBytes = c.MaxQueueBytes
		}
	}
	if c.MinBatchItems == 0 {
		c.MinBatchItems = 1
	}
	if c.MinBatchFlushInterval == 0 {
		c.MinBatchFlushInterval = DefaultMinBatchFlushInterval
	}
	if c.MaxDrainConcurrency == 0 {
		c.MaxDrainConcurrency = DefaultMaxDrainConcurrency
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = DefaultBackoffJitter
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.FlushPollInterval == 0 {
		c.FlushPollInterval = DefaultFlushPollInterval
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.DistinctTracesWindow == 0 {
		c.DistinctTracesWindow = DefaultDistinctTracesWindow
	}
	if c.DedupWindow > 0 {
		d := cardinality.DefaultConfig()
		if c.Dedup.ExpectedItems == 0 {
			c.Dedup.ExpectedItems = d.ExpectedItems
		}
		if c.Dedup.FalsePositiveRate == 0 {
			c.Dedup.FalsePositiveRate = d.FalsePositiveRate
		}
	}
	if c.RejectLogInterval == 0 {
		c.RejectLogInterval = DefaultRejectLogInterval
	}
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxQueueBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_queue_bytes must be positive, got %d", c.MaxQueueBytes))
	}
	if _, err := buffer.ParsePolicy(string(c.QueueFullPolicy)); err != nil {
		errs = append(errs, err)
	}
	if c.MaxBatchItems <= 0 {
		errs = append(errs, fmt.Errorf("max_batch_items must be positive, got %d", c.MaxBatchItems))
	}
	if c.MaxBatchBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_batch_bytes must be positive, got %d", c.MaxBatchBytes))
	}
	if c.MaxBatchBytes > c.MaxQueueBytes {
		errs = append(errs, fmt.Errorf("max_batch_bytes (%d) exceeds max_queue_bytes (%d)", c.MaxBatchBytes, c.MaxQueueBytes))
	}
	if c.MinBatchItems > c.MaxBatchItems {
		errs = append(errs, fmt.Errorf("min_batch_items (%d) exceeds max_batch_items (%d)", c.MinBatchItems, c.MaxBatchItems))
	}
	if c.MaxDrainConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max_drain_concurrency must be positive, got %d", c.MaxDrainConcurrency))
	}
	if c.MaxRetriesPerRecord < 0 {
		errs = append(errs, fmt.Errorf("max_retries_per_record must not be negative, got %d", c.MaxRetriesPerRecord))
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff_base (%s) must be positive and not exceed backoff_max (%s)", c.BackoffBase, c.BackoffMax))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("backoff_jitter must be in [0, 1), got %g", c.BackoffJitter))
	}
	if c.SendTimeout < 0 {
		errs = append(errs, errors.New("send_timeout must not be negative"))
	}
	if c.ShutdownTimeout <= 0 || c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown_timeout and shutdown_grace must be positive"))
	}
	if c.DrainInterval <= 0 || c.FlushPollInterval <= 0 || c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("drain, flush poll and snapshot intervals must be positive"))
	}
	if c.DedupWindow > 0 {
		if c.Dedup.Mode == cardinality.ModeHLL {
			errs = append(errs, errors.New("dedup mode hll cannot test membership; use bloom or exact"))
		}
		if c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1 {
			errs = append(errs, fmt.Errorf("dedup false_positive_rate must be in (0, 1), got %g", c.Dedup.FalsePositiveRate))
		}
	}
	return errors.Join(errs...)
}
