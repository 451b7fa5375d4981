// Package backpressure decides how many sends may be in flight and how long
// to wait between drain attempts, based on the run of consecutive failures.
package backpressure

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/record"
)

var (
	concurrencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_backpressure_concurrency",
		Help: "Current allowed number of in-flight sends",
	})

	delayGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_backpressure_delay_seconds",
		Help: "Current inter-attempt delay (before jitter)",
	})

	degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_batcher_backpressure_degraded",
		Help: "1 while concurrency or delay are away from their defaults",
	})

	adjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_batcher_backpressure_adjustments_total",
		Help: "Total backpressure adjustments by direction",
	}, []string{"direction"})

	retryAfterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_batcher_backpressure_retry_after_total",
		Help: "Total collector Retry-After hints honoured",
	})
)

func init() {
	prometheus.MustRegister(concurrencyGauge)
	prometheus.MustRegister(delayGauge)
	prometheus.MustRegister(degradedGauge)
	prometheus.MustRegister(adjustmentsTotal)
	prometheus.MustRegister(retryAfterTotal)

	adjustmentsTotal.WithLabelValues("backoff").Add(0)
	adjustmentsTotal.WithLabelValues("recover").Add(0)
	retryAfterTotal.Add(0)
}

// Config holds controller limits.
type Config struct {
	// MaxConcurrency is the default and ceiling for in-flight sends (default: 4).
	MaxConcurrency int
	// FailureThreshold is how many consecutive failures are tolerated before
	// backing off (default: 3).
	FailureThreshold int
	// BackoffBase is the first non-zero delay (default: 100ms).
	BackoffBase time.Duration
	// BackoffMax caps the delay (default: 30s).
	BackoffMax time.Duration
	// Jitter is the +/- fraction applied to the gate (default: 0.1).
	Jitter float64
}

// Controller tracks drain concurrency and inter-attempt delay. Reads are
// lock-free; adjustments are serialized.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	concurrency atomic.Int32
	delay       atomic.Int64 // nanoseconds, un-jittered
	gateUntil   atomic.Int64 // unix nanoseconds

	now    func() time.Time
	jitter func() float64 // returns a value in [-1, 1)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithJitterSource replaces the random source; f must return values in [-1, 1).
func WithJitterSource(f func() float64) Option {
	return func(c *Controller) { c.jitter = f }
}

// New creates a Controller at full concurrency with no delay.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Jitter <= 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.1
	}

	c := &Controller{
		cfg: cfg,
		now: time.Now,
		jitter: func() float64 {
			return 2*rand.Float64() - 1 //nolint:gosec // jitter doesn't need crypto randomness
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.concurrency.Store(int32(cfg.MaxConcurrency))
	c.publish()
	return c
}

// Concurrency returns the current allowed number of in-flight sends.
func (c *Controller) Concurrency() int {
	return int(c.concurrency.Load())
}

// Delay returns the current un-jittered inter-attempt delay.
func (c *Controller) Delay() time.Duration {
	return time.Duration(c.delay.Load())
}

// Degraded reports whether the controller is backing off.
func (c *Controller) Degraded() bool {
	return c.Concurrency() < c.cfg.MaxConcurrency || c.Delay() > 0
}

// Allow reports whether a drain may dispatch at now.
func (c *Controller) Allow(now time.Time) bool {
	return now.UnixNano() >= c.gateUntil.Load()
}

// Wait returns how long until the gate opens, zero if already open.
func (c *Controller) Wait(now time.Time) time.Duration {
	if d := c.gateUntil.Load() - now.UnixNano(); d > 0 {
		return time.Duration(d)
	}
	return 0
}

// Observe adjusts concurrency and delay for one settled send. consecutive is
// the buffer's consecutive-failure count after settling it.
func (c *Controller) Observe(o record.Outcome, consecutive int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.Kind == record.Success {
		c.recoverLocked()
		return
	}

	now := c.now()
	if consecutive > c.cfg.FailureThreshold {
		c.backoffLocked(now, consecutive)
	}
	if o.RetryAfter > 0 {
		until := now.Add(o.RetryAfter).UnixNano()
		if until > c.gateUntil.Load() {
			c.gateUntil.Store(until)
			retryAfterTotal.Inc()
		}
	}
}

func (c *Controller) backoffLocked(now time.Time, consecutive int) {
	conc := c.concurrency.Load() / 2
	if conc < 1 {
		conc = 1
	}
	delay := time.Duration(c.delay.Load())
	if delay == 0 {
		delay = c.cfg.BackoffBase
	} else {
		delay *= 2
	}
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}

	changed := conc != c.concurrency.Load() || int64(delay) != c.delay.Load()
	c.concurrency.Store(conc)
	c.delay.Store(int64(delay))

	gate := delay + time.Duration(float64(delay)*c.cfg.Jitter*c.jitter())
	c.gateUntil.Store(now.Add(gate).UnixNano())

	if changed {
		adjustmentsTotal.WithLabelValues("backoff").Inc()
		logging.Warn("backpressure: backing off", logging.F(
			"consecutive_failures", consecutive,
			"concurrency", conc,
			"delay", delay.String(),
		))
	}
	c.publish()
}

func (c *Controller) recoverLocked() {
	wasDegraded := c.concurrency.Load() < int32(c.cfg.MaxConcurrency) || c.delay.Load() > 0

	conc := c.concurrency.Load() * 2
	if conc > int32(c.cfg.MaxConcurrency) {
		conc = int32(c.cfg.MaxConcurrency)
	}
	delay := time.Duration(c.delay.Load()) / 2
	if delay < c.cfg.BackoffBase {
		delay = 0
	}
	c.concurrency.Store(conc)
	c.delay.Store(int64(delay))
	c.gateUntil.Store(0)

	if wasDegraded {
		adjustmentsTotal.WithLabelValues("recover").Inc()
		if conc == int32(c.cfg.MaxConcurrency) && delay == 0 {
			logging.Info("backpressure: recovered", logging.F("concurrency", conc))
		}
	}
	c.publish()
}

func (c *Controller) publish() {
	concurrencyGauge.Set(float64(c.concurrency.Load()))
	delayGauge.Set(time.Duration(c.delay.Load()).Seconds())
	if c.concurrency.Load() < int32(c.cfg.MaxConcurrency) || c.delay.Load() > 0 {
		degradedGauge.Set(1)
	} else {
		degradedGauge.Set(0)
	}
}
