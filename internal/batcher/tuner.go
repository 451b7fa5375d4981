package batcher

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/record"
)

var (
	batchCurrentMaxBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_batch_current_max_bytes",
		Help: "Current batch max bytes (auto-tuned or static)",
	})

	batchHardCeilingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_batch_hard_ceiling_bytes",
		Help: "Hard ceiling for batch bytes discovered via oversized rejections (0 = no ceiling)",
	})

	batchTuningAdjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_batch_tuning_adjustments_total",
		Help: "Total batch tuning adjustments by direction",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(batchCurrentMaxBytes)
	prometheus.MustRegister(batchHardCeilingBytes)
	prometheus.MustRegister(batchTuningAdjustmentsTotal)

	batchTuningAdjustmentsTotal.WithLabelValues("up").Add(0)
	batchTuningAdjustmentsTotal.WithLabelValues("down").Add(0)
}

// TunerConfig holds configuration for the batch byte-size tuner.
type TunerConfig struct {
	// MinBytes is the floor for the effective max batch bytes (default: 512).
	MinBytes int64
	// MaxBytes is the configured max batch bytes and the growth ceiling.
	MaxBytes int64
	// SuccessStreak is the number of consecutive successes before growing (default: 10).
	SuccessStreak int32
	// GrowFactor is the multiplicative growth factor (default: 1.25).
	GrowFactor float64
	// ShrinkFactor is applied on an oversized rejection (default: 0.5).
	ShrinkFactor float64
}

// Tuner lowers the effective max batch bytes when the collector rejects a
// batch as too large and grows it back after a streak of successes. Only
// oversized rejections shrink; outages say nothing about batch size.
// All methods are safe for concurrent use.
type Tuner struct {
	currentMaxBytes atomic.Int64
	hardCeiling     atomic.Int64 // 80% of the size that was rejected; 0 = none
	consecutiveOK   atomic.Int32

	minBytes      int64
	maxBytes      int64
	successStreak int32
	growFactor    float64
	shrinkFactor  float64
}

// NewTuner creates a Tuner starting at cfg.MaxBytes.
func NewTuner(cfg TunerConfig) *Tuner {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 512
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 4 * 1024 * 1024
	}
	if cfg.MaxBytes < cfg.MinBytes {
		cfg.MinBytes = cfg.MaxBytes
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = 10
	}
	if cfg.GrowFactor <= 1.0 {
		cfg.GrowFactor = 1.25
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1.0 {
		cfg.ShrinkFactor = 0.5
	}

	t := &Tuner{
		minBytes:      cfg.MinBytes,
		maxBytes:      cfg.MaxBytes,
		successStreak: cfg.SuccessStreak,
		growFactor:    cfg.GrowFactor,
		shrinkFactor:  cfg.ShrinkFactor,
	}
	t.currentMaxBytes.Store(cfg.MaxBytes)
	batchCurrentMaxBytes.Set(float64(cfg.MaxBytes))
	return t
}

// CurrentMaxBytes returns the current effective max batch bytes.
func (t *Tuner) CurrentMaxBytes() int64 {
	return t.currentMaxBytes.Load()
}

// HardCeiling returns the discovered ceiling, 0 if none.
func (t *Tuner) HardCeiling() int64 {
	return t.hardCeiling.Load()
}

// Observe feeds one send outcome to the tuner.
func (t *Tuner) Observe(o record.Outcome) {
	switch {
	case o.Kind == record.Success:
		t.recordSuccess()
	case o.Oversized:
		t.recordOversized()
	default:
		t.consecutiveOK.Store(0)
	}
}

func (t *Tuner) recordSuccess() {
	if t.consecutiveOK.Add(1) < t.successStreak {
		return
	}
	t.consecutiveOK.Store(0)

	current := t.currentMaxBytes.Load()
	newMax := int64(float64(current) * t.growFactor)
	if ceiling := t.hardCeiling.Load(); ceiling > 0 && newMax > ceiling {
		newMax = ceiling
	}
	if newMax > t.maxBytes {
		newMax = t.maxBytes
	}
	if newMax != current && t.currentMaxBytes.CompareAndSwap(current, newMax) {
		batchCurrentMaxBytes.Set(float64(newMax))
		batchTuningAdjustmentsTotal.WithLabelValues("up").Inc()
		logging.Info("batch tuner: increased max bytes", logging.F(
			"old_bytes", current,
			"new_bytes", newMax,
		))
	}
}

func (t *Tuner) recordOversized() {
	t.consecutiveOK.Store(0)
	current := t.currentMaxBytes.Load()

	ceiling := int64(float64(current) * 0.8)
	if ceiling < t.minBytes {
		ceiling = t.minBytes
	}
	t.hardCeiling.Store(ceiling)
	batchHardCeilingBytes.Set(float64(ceiling))

	newMax := int64(float64(current) * t.shrinkFactor)
	if newMax < t.minBytes {
		newMax = t.minBytes
	}
	if newMax != current && t.currentMaxBytes.CompareAndSwap(current, newMax) {
		batchCurrentMaxBytes.Set(float64(newMax))
		batchTuningAdjustmentsTotal.WithLabelValues("down").Inc()
		logging.Warn("batch tuner: collector rejected batch size, shrinking", logging.F(
			"old_bytes", current,
			"new_bytes", newMax,
			"ceiling_bytes", ceiling,
		))
	}
}
