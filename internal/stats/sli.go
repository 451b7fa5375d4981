package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default SLI configuration values.
const (
	DefaultDeliveryTarget = 0.999
	DefaultRingSize       = 720 // 6h at 30s intervals
)

// sliWindows are the ratio and burn-rate windows. Slots are derived from
// the snapshot interval.
var sliWindows = []struct {
	Label    string
	Duration time.Duration
}{
	{"5m", 5 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"6h", 6 * time.Hour},
}

// SLIConfig holds SLO configuration.
type SLIConfig struct {
	// DeliveryTarget is the fraction of settled records that must be
	// delivered.
	DeliveryTarget float64
	// Interval is the snapshot interval feeding the tracker.
	Interval time.Duration
}

var (
	sliDeliveryRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_batcher_sli_delivery_ratio",
		Help: "Delivered over settled records in the window",
	}, []string{"window"})

	sliDeliveryBurnRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_batcher_sli_delivery_burn_rate",
		Help: "Delivery error budget burn rate (1.0 = at SLO pace)",
	}, []string{"window"})

	sliBudgetRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_sli_delivery_budget_remaining",
		Help: "Fraction of the delivery error budget remaining since start (0-1)",
	})

	sloTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_slo_delivery_target",
		Help: "Configured delivery SLO target",
	})
)

func init() {
	prometheus.MustRegister(sliDeliveryRatio)
	prometheus.MustRegister(sliDeliveryBurnRate)
	prometheus.MustRegister(sliBudgetRemaining)
	prometheus.MustRegister(sloTarget)
}

type sliPoint struct {
	delivered uint64
	lost      uint64
}

// SLITracker computes the delivery SLI from cumulative snapshot counters
// kept in a fixed-size ring. It is a Sink so it can sit in a MultiSink next
// to the Prometheus and log sinks.
type SLITracker struct {
	mu     sync.RWMutex
	config SLIConfig

	ring  []sliPoint
	head  int
	count int
	start *sliPoint
}

// NewSLITracker creates a tracker.
func NewSLITracker(cfg SLIConfig) *SLITracker {
	if cfg.DeliveryTarget <= 0 || cfg.DeliveryTarget > 1 {
		cfg.DeliveryTarget = DefaultDeliveryTarget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	sloTarget.Set(cfg.DeliveryTarget)
	return &SLITracker{
		config: cfg,
		ring:   make([]sliPoint, DefaultRingSize),
	}
}

// Snapshot records the counters and refreshes the SLI gauges.
func (t *SLITracker) Snapshot(s Snapshot) {
	p := sliPoint{delivered: s.Delivered, lost: s.Dropped}

	t.mu.Lock()
	if t.start == nil {
		cp := p
		t.start = &cp
	}
	t.ring[t.head] = p
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	t.mu.Unlock()

	t.publish()
}

// Fatal is a no-op; fatal records are already part of Dropped.
func (t *SLITracker) Fatal(FatalEvent) {}

// DeliveryRatio returns the ratio over the window, or false when the ring
// holds fewer than two points.
func (t *SLITracker) DeliveryRatio(window time.Duration) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ratioLocked(window)
}

// BudgetRemaining returns the fraction of error budget left since the first
// snapshot.
func (t *SLITracker) BudgetRemaining() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	latest, ok := t.at(0)
	if !ok || t.start == nil {
		return 1
	}
	return budgetRemaining(deliveryRatio(latest, *t.start), t.config.DeliveryTarget)
}

func (t *SLITracker) publish() {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, win := range sliWindows {
		ratio, ok := t.ratioLocked(win.Duration)
		if !ok {
			continue
		}
		sliDeliveryRatio.WithLabelValues(win.Label).Set(ratio)
		sliDeliveryBurnRate.WithLabelValues(win.Label).Set(burnRate(ratio, t.config.DeliveryTarget))
	}
	if latest, ok := t.at(0); ok && t.start != nil {
		sliBudgetRemaining.Set(budgetRemaining(deliveryRatio(latest, *t.start), t.config.DeliveryTarget))
	}
}

// ratioLocked uses the oldest point inside the window when the ring does
// not reach back far enough yet.
func (t *SLITracker) ratioLocked(window time.Duration) (float64, bool) {
	if t.count < 2 {
		return 0, false
	}
	latest, _ := t.at(0)
	slots := int(window / t.config.Interval)
	if slots < 1 {
		slots = 1
	}
	if slots > t.count-1 {
		slots = t.count - 1
	}
	older, _ := t.at(slots)
	return deliveryRatio(latest, older), true
}

// at returns the point slotsBack positions before the newest.
func (t *SLITracker) at(slotsBack int) (sliPoint, bool) {
	if slotsBack >= t.count {
		return sliPoint{}, false
	}
	idx := (t.head - 1 - slotsBack + len(t.ring)) % len(t.ring)
	return t.ring[idx], true
}

// deliveryRatio = delivered / (delivered + lost) over the delta. No settled
// records counts as perfect.
func deliveryRatio(newer, older sliPoint) float64 {
	good := float64(newer.delivered - older.delivered)
	bad := float64(newer.lost - older.lost)
	total := good + bad
	if total <= 0 {
		return 1
	}
	return clamp01(good / total)
}

// burnRate is actual over allowed error rate. 1.0 consumes the budget
// exactly over the SLO period.
func burnRate(ratio, target float64) float64 {
	allowed := 1 - target
	if allowed <= 0 {
		return 0
	}
	return (1 - ratio) / allowed
}

func budgetRemaining(ratio, target float64) float64 {
	allowed := 1 - target
	if allowed <= 0 {
		return 1
	}
	return clamp01(1 - (1-ratio)/allowed)
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
