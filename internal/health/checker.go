// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by tool runners to verify they can start tools.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Pinger is implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether traffic should be sent. A degraded instance is
// slow but still serves.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// Checker probes the store and the tool runner for the readiness endpoint.
type Checker struct {
	probes    map[string]func(context.Context) error
	timeout   time.Duration
	slowAfter time.Duration
	cacheFor  time.Duration
	started   time.Time

	mu           sync.Mutex
	cached       *Response
	cachedAt     time.Time
	shuttingDown bool
}

// NewChecker creates a new health checker. A nil dependency is reported
// unhealthy.
func NewChecker(store Pinger, runner ReadinessChecker) *Checker {
	probes := map[string]func(context.Context) error{"store": nil, "runner": nil}
	if store != nil {
		probes["store"] = store.Ping
	}
	if runner != nil {
		probes["runner"] = runner.Ready
	}
	return &Checker{
		probes:    probes,
		timeout:   5 * time.Second,
		slowAfter: time.Second,
		cacheFor:  time.Second,
		started:   time.Now(),
	}
}

// Liveness reports the process as alive without touching dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
		Uptime: time.Since(c.started).Round(time.Second).String(),
	}
}

// Readiness runs every probe concurrently. Results are cached briefly so
// frequent probing does not load the database.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.cachedAt) < c.cacheFor {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(c.probes))
		g      errgroup.Group
	)
	for name, probe := range c.probes {
		g.Go(func() error {
			result := c.check(ctx, name, probe)
			mu.Lock()
			checks[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	response := &Response{Status: StatusHealthy, Checks: checks}
	for _, result := range checks {
		switch result.Status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = response
		c.cachedAt = time.Now()
	}
	c.mu.Unlock()
	return response
}

// check runs one probe with the checker timeout. A probe slower than
// slowAfter is degraded.
func (c *Checker) check(ctx context.Context, name string, probe func(context.Context) error) CheckResult {
	if probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	elapsed := time.Since(start)
	result := CheckResult{Status: StatusHealthy, LatencyMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	case elapsed > c.slowAfter:
		result.Status = StatusDegraded
		result.Message = "slow response"
	}
	return result
}

// SetShuttingDown makes readiness fail from now on so load balancers stop
// sending traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
