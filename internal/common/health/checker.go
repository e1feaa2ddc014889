// Package health serves liveness and readiness for the outbox service.
// Readiness covers the store and every publisher transport.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Status values reported by the endpoints
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Check is a named dependency probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Pinger is implemented by stores and publishers that can verify their connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck builds a Check from a Pinger
func PingCheck(name string, p Pinger) Check {
	return Check{Name: name, Probe: p.Ping}
}

// CheckResult is the outcome of one probe
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the JSON body of a health endpoint
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Checker runs liveness and readiness probes
type Checker struct {
	mu              sync.RWMutex
	livenessChecks  []Check
	readinessChecks []Check
	timeout         time.Duration

	attempts atomic.Int64
	failures atomic.Int64
}

// NewChecker creates a checker with a 5 second probe timeout
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second}
}

// SetTimeout sets the per-probe timeout
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// AddLivenessCheck registers a liveness probe
func (c *Checker) AddLivenessCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck registers a readiness probe
func (c *Checker) AddReadinessCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

// Live runs the liveness probes
func (c *Checker) Live(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]Check(nil), c.livenessChecks...)
	c.mu.RUnlock()
	return c.run(ctx, checks)
}

// Ready runs the readiness probes
func (c *Checker) Ready(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]Check(nil), c.readinessChecks...)
	c.mu.RUnlock()
	return c.run(ctx, checks)
}

// Stats returns the probe attempt and failure counts
func (c *Checker) Stats() (attempts, failures int64) {
	return c.attempts.Load(), c.failures.Load()
}

func (c *Checker) run(ctx context.Context, checks []Check) Report {
	c.mu.RLock()
	timeout := c.timeout
	c.mu.RUnlock()

	report := Report{Status: StatusUp, Checks: make([]CheckResult, len(checks))}

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			report.Checks[i] = c.probe(ctx, check, timeout)
		}(i, check)
	}
	wg.Wait()

	for _, r := range report.Checks {
		if r.Status != StatusUp {
			report.Status = StatusDown
			break
		}
	}
	return report
}

func (c *Checker) probe(ctx context.Context, check Check, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.attempts.Add(1)
	result := CheckResult{Name: check.Name, Status: StatusUp}

	err := safeProbe(ctx, check)
	if err != nil {
		c.failures.Add(1)
		result.Status = StatusDown
		result.Error = err.Error()
		log.Warn().Err(err).Str("check", check.Name).Msg("Health check failed")
	}
	return result
}

func safeProbe(ctx context.Context, check Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return check.Probe(ctx)
}

// HandleHealth reports liveness and readiness together
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	live := c.Live(r.Context())
	ready := c.Ready(r.Context())

	combined := Report{Status: StatusUp, Checks: append(live.Checks, ready.Checks...)}
	if live.Status != StatusUp || ready.Status != StatusUp {
		combined.Status = StatusDown
	}
	writeReport(w, combined)
}

// HandleLive serves the liveness endpoint
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeReport(w, c.Live(r.Context()))
}

// HandleReady serves the readiness endpoint
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeReport(w, c.Ready(r.Context()))
}

func writeReport(w http.ResponseWriter, report Report) {
	status := http.StatusOK
	if report.Status != StatusUp {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Error().Err(err).Msg("Failed to encode health report")
	}
}
