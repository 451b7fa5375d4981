// Package health serves the /live and /ready probes.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Uptime     string                    `json:"uptime"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing
// the issue.
type CheckFunc func() error

// Checker provides liveness and readiness probes. Readiness runs every
// registered check; the engine registers one that fails while shutting
// down or while backpressure is engaged.
type Checker struct {
	mu              sync.RWMutex
	readinessChecks map[string]CheckFunc
	shuttingDown    atomic.Bool
	started         time.Time
	now             func() time.Time
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{
		readinessChecks: make(map[string]CheckFunc),
		started:         time.Now(),
		now:             time.Now,
	}
}

// RegisterReadiness registers a named readiness check. Registering a name
// again replaces the check.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks[name] = check
}

// SetShuttingDown marks the instance as shutting down. After this, both
// /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Register mounts /live and /ready on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.Handle("/live", c.LiveHandler())
	mux.Handle("/ready", c.ReadyHandler())
}

// Ready runs every readiness check and returns the per-component result.
func (c *Checker) Ready() (Status, map[string]ComponentCheck) {
	if c.shuttingDown.Load() {
		return StatusDown, map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		}
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.readinessChecks))
	for name := range c.readinessChecks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(names))
	for _, name := range names {
		checks[name] = c.readinessChecks[name]
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusUp
	components := make(map[string]ComponentCheck, len(names))
	for _, name := range names {
		if err := checks[name](); err != nil {
			overall = StatusDown
			components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			continue
		}
		components[name] = ComponentCheck{Status: StatusUp}
	}
	return overall, components
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
// Liveness checks that the process is running and not in shutdown.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.shuttingDown.Load() {
			c.write(w, StatusDown, map[string]ComponentCheck{
				"process": {Status: StatusDown, Message: "shutting down"},
			})
			return
		}
		c.write(w, StatusUp, nil)
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status, components := c.Ready()
		c.write(w, status, components)
	}
}

func (c *Checker) write(w http.ResponseWriter, status Status, components map[string]ComponentCheck) {
	code := http.StatusOK
	if status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	now := c.now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:     status,
		Components: components,
		Uptime:     now.Sub(c.started).Truncate(time.Second).String(),
		Timestamp:  now.UTC().Format(time.RFC3339),
	})
}
