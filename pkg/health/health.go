// Package health runs dependency probes (Elasticsearch, Kafka, Redis,
// Postgres) concurrently and serves the aggregate as liveness and readiness
// endpoints. Required dependencies gate readiness; optional ones (the sweep
// lock, the dead-letter table) only degrade it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check probes a single dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
	// Optional components report degraded instead of down.
	Optional bool `json:"optional,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds the registered probes.
type Checker struct {
	checks map[string]Check
	mu     sync.RWMutex
}

func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check)}
}

func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RegisterPing adapts a Ping-style function into a Check for a required
// dependency.
func (c *Checker) RegisterPing(name string, ping func(ctx context.Context) error) {
	c.Register(name, pingCheck(ping, false))
}

// RegisterOptional is RegisterPing for a dependency the pipeline can run
// without.
func (c *Checker) RegisterOptional(name string, ping func(ctx context.Context) error) {
	c.Register(name, pingCheck(ping, true))
}

func pingCheck(ping func(ctx context.Context) error, optional bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			status := StatusDown
			if optional {
				status = StatusDegraded
			}
			return ComponentHealth{Status: status, Message: err.Error(), Optional: optional}
		}
		return ComponentHealth{Status: StatusUp, Optional: optional}
	}
}

// Run executes all checks concurrently. The report is down if any required
// component is down, degraded if only optional ones are.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range checks {
		wg.Add(1)
		go func(n string, ch Check) {
			defer wg.Done()
			start := time.Now()
			result := ch(ctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[n] = result
			switch {
			case result.Status == StatusDown:
				report.Status = StatusDown
			case result.Status == StatusDegraded && report.Status == StatusUp:
				report.Status = StatusDegraded
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return report
}

func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusDown {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// Routes returns the probe endpoints keyed by path.
func (c *Checker) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/health/live":  c.LiveHandler(),
		"/health/ready": c.ReadyHandler(),
	}
}
