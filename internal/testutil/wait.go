// Package testutil holds the fakes and polling helpers shared by the
// pipeline tests: a scripted tool runner, an in-memory file system and
// condition waits.
package testutil

import (
	"testing"
	"time"
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption configures WaitFor.
type WaitOption func(*waitConfig)

// WithTimeout sets how long to wait (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// Describe names the awaited condition in the failure of MustWaitFor.
func Describe(what string) WaitOption {
	return func(c *waitConfig) { c.what = what }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: 5 * time.Second, interval: 10 * time.Millisecond, what: "condition"}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WaitFor polls condition until it holds or the timeout passes. The
// condition is checked one last time at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, newWaitConfig(opts))
}

// MustWaitFor is WaitFor failing the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	c := newWaitConfig(opts)
	if !poll(condition, c) {
		tb.Fatalf("timed out after %v waiting for %s", c.timeout, c.what)
	}
}

func poll(condition func() bool, c waitConfig) bool {
	if condition() {
		return true
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}
