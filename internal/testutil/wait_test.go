package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		readyIn   int32 // calls before the condition holds; -1 never
		timeout   time.Duration
		want      bool
		minChecks int32
	}{
		{name: "immediate", readyIn: 0, timeout: time.Second, want: true, minChecks: 1},
		{name: "eventual", readyIn: 3, timeout: time.Second, want: true, minChecks: 4},
		{name: "timeout", readyIn: -1, timeout: 30 * time.Millisecond, want: false, minChecks: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			got := WaitFor(t, func() bool {
				n := calls.Add(1)
				return tt.readyIn >= 0 && n > tt.readyIn
			}, WithTimeout(tt.timeout), WithInterval(time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
			if calls.Load() < tt.minChecks {
				t.Errorf("expected at least %d checks, got %d", tt.minChecks, calls.Load())
			}
		})
	}
}

func TestWaitFor_ChecksAtDeadline(t *testing.T) {
	t.Parallel()
	start := time.Now()
	got := WaitFor(t, func() bool {
		return time.Since(start) >= 20*time.Millisecond
	}, WithTimeout(20*time.Millisecond), WithInterval(time.Hour))

	if !got {
		t.Error("expected the final check at the deadline to succeed")
	}
}

func TestMustWaitFor_Success(t *testing.T) {
	t.Parallel()
	var ready atomic.Bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		ready.Store(true)
	}()
	MustWaitFor(t, ready.Load, Describe("ready flag"))
}

func TestNewWaitConfig(t *testing.T) {
	t.Parallel()
	c := newWaitConfig(nil)
	if c.timeout != 5*time.Second || c.interval != 10*time.Millisecond || c.what != "condition" {
		t.Errorf("unexpected defaults %+v", c)
	}

	c = newWaitConfig([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second), Describe("job DONE")})
	if c.timeout != time.Minute || c.interval != time.Second || c.what != "job DONE" {
		t.Errorf("options not applied: %+v", c)
	}
}
