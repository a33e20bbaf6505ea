// Package health aggregates component checks for the liveness, readiness
// and health endpoints of framewitnessd.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health of one component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one check.
type Result struct {
	Status     Status         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
	DurationMs int64          `json:"duration_ms"`
}

// Check reports the health of a component.
type Check func(ctx context.Context) Result

// Component is a registered check. A failing critical component makes the
// server unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs the registered components.
type Checker struct {
	mu         sync.RWMutex
	components []Component
	ready      atomic.Bool
	start      time.Time
	now        func() time.Time
}

func NewChecker() *Checker {
	return &Checker{start: time.Now(), now: time.Now}
}

// Register adds a component. Names are expected to be unique.
func (c *Checker) Register(comp Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = 5 * time.Second
	}
	c.mu.Lock()
	c.components = append(c.components, comp)
	c.mu.Unlock()
}

func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

func (c *Checker) Ready() bool { return c.ready.Load() }

// Report is the aggregated health.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Run executes every check concurrently, each under its own timeout.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	comps := append([]Component(nil), c.components...)
	c.mu.RUnlock()

	results := make([]Result, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, comp)
		}()
	}
	wg.Wait()

	rep := Report{
		Status:     StatusHealthy,
		Ready:      c.Ready(),
		Uptime:     c.now().Sub(c.start).Truncate(time.Second).String(),
		Components: make(map[string]Result, len(comps)),
		Timestamp:  c.now().UTC(),
	}
	for i, comp := range comps {
		r := results[i]
		rep.Components[comp.Name] = r
		switch {
		case r.Status == StatusHealthy:
		case comp.Critical && r.Status == StatusUnhealthy:
			rep.Status = StatusUnhealthy
		case rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (c *Checker) run(ctx context.Context, comp Component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out"}
	}
	r.CheckedAt = start.UTC()
	r.DurationMs = c.now().Sub(start).Milliseconds()
	return r
}

// LivenessHandler answers as long as the process serves requests.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": c.now().UTC()})
	})
}

// ReadinessHandler fails until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "ready": false})
			return
		}
		rep := c.Run(r.Context())
		writeJSON(w, statusCode(rep.Status), map[string]any{"status": rep.Status, "ready": true})
	})
}

// Handler serves the full report.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Run(r.Context())
		writeJSON(w, statusCode(rep.Status), rep)
	})
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PingCheck wraps a connectivity check such as sql.DB.PingContext.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}

// IntegrityCheck reports the last evidence history verification.
func IntegrityCheck(ok func() bool) Check {
	return func(context.Context) Result {
		if !ok() {
			return Result{Status: StatusUnhealthy, Message: "evidence history failed integrity verification"}
		}
		return Result{Status: StatusHealthy}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(context.Context) Result {
		free, err := freeSpace(path)
		if err != nil {
			return Result{Status: StatusDegraded, Message: err.Error()}
		}
		r := Result{Status: StatusHealthy, Details: map[string]any{"path": path, "free_bytes": free}}
		if free < minFree {
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("%d bytes free, want at least %d", free, minFree)
		}
		return r
	}
}
