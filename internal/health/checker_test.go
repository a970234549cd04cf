package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type probe struct {
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *probe) Ready(ctx context.Context) error {
	return p.Ping(ctx)
}

func (p *probe) Ping(context.Context) error {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return p.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
	if response.Uptime == "" {
		t.Error("Expected uptime to be reported")
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		store      Pinger
		runner     ReadinessChecker
		wantStatus Status
		unhealthy  []string
	}{
		{
			name:       "all dependencies up",
			store:      &probe{},
			runner:     &probe{},
			wantStatus: StatusHealthy,
		},
		{
			name:       "nothing configured",
			wantStatus: StatusUnhealthy,
			unhealthy:  []string{"store", "runner"},
		},
		{
			name:       "store down",
			store:      &probe{err: errors.New("database is locked")},
			runner:     &probe{},
			wantStatus: StatusUnhealthy,
			unhealthy:  []string{"store"},
		},
		{
			name:       "docker down",
			store:      &probe{},
			runner:     &probe{err: errors.New("cannot connect to the Docker daemon")},
			wantStatus: StatusUnhealthy,
			unhealthy:  []string{"runner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker(tt.store, tt.runner)

			response := checker.Readiness(context.Background())

			if response.Status != tt.wantStatus {
				t.Errorf("Expected %s status, got %s", tt.wantStatus, response.Status)
			}
			for _, name := range tt.unhealthy {
				check, ok := response.Checks[name]
				if !ok {
					t.Fatalf("Expected %s check to be present", name)
				}
				if check.Status != StatusUnhealthy || check.Message == "" {
					t.Errorf("Expected %s check to be unhealthy with a message, got %+v", name, check)
				}
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	store := &probe{}
	checker := NewChecker(store, &probe{})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if got := store.calls.Load(); got != 1 {
		t.Errorf("Expected one probe within the cache window, got %d", got)
	}
}

func TestChecker_SlowProbeIsDegraded(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&probe{delay: 30 * time.Millisecond}, &probe{})
	checker.slowAfter = 10 * time.Millisecond

	response := checker.Readiness(context.Background())

	if response.Status != StatusDegraded {
		t.Fatalf("Expected degraded status, got %s", response.Status)
	}
	if !response.IsReady() || response.IsHealthy() {
		t.Error("Expected a degraded instance to stay ready but not healthy")
	}
	if response.Checks["store"].LatencyMS < 30 {
		t.Errorf("Expected store latency to be reported, got %+v", response.Checks["store"])
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&probe{}, &probe{})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.IsHealthy() {
		t.Error("Expected unhealthy while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
