// Package circuitbreaker stops calls to an endpoint after consecutive
// failures and lets a single probe through once a cooldown has passed.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls are refused until the cooldown ends
	HalfOpen              // one probe call is in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds configuration for a breaker. Zero values take defaults.
type Config struct {
	Threshold int           // consecutive failures that open the breaker (default: 5)
	Cooldown  time.Duration // time spent open before a probe (default: 30s)

	// OnChange is called on every state change, outside the lock.
	OnChange func(from, to State)
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker guards a single endpoint. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may be made now. After the cooldown the
// first caller gets the probe; everyone else is refused until the probe
// reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state != Open || b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
		ok := b.state == Closed
		b.mu.Unlock()
		return ok
	}
	from := b.transition(HalfOpen)
	b.mu.Unlock()
	b.changed(from, HalfOpen)
	return true
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	from := b.transition(Closed)
	b.mu.Unlock()
	b.changed(from, Closed)
}

// RecordFailure counts a failure. A failed probe reopens the breaker at
// once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	to := b.state
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		to = Open
		b.openedAt = b.cfg.Now()
	}
	from := b.transition(to)
	b.mu.Unlock()
	b.changed(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition sets the state and returns the previous one. Callers hold mu.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	return from
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
