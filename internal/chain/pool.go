package chain

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SlotPool bounds how many jobs run tools at the same time.
type SlotPool struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	metrics  MetricsRecorder
}

// Slot is one token of a SlotPool. Release is idempotent.
type Slot struct {
	pool     *SlotPool
	released atomic.Bool
}

// NewSlotPool creates a pool of capacity slots (at least one).
func NewSlotPool(capacity int, metrics MetricsRecorder) *SlotPool {
	if capacity <= 0 {
		capacity = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &SlotPool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		metrics:  metrics,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *SlotPool) Acquire(ctx context.Context) (*Slot, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.inUse.Add(1)
	p.metrics.RecordSlotAcquired(ctx)
	return &Slot{pool: p}, nil
}

// InUse returns the number of held slots.
func (p *SlotPool) InUse() int {
	return int(p.inUse.Load())
}

// Capacity returns the pool size.
func (p *SlotPool) Capacity() int {
	return p.capacity
}

// Release returns the slot to its pool. Safe on a nil slot.
func (s *Slot) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.pool.inUse.Add(-1)
	s.pool.sem.Release(1)
	s.pool.metrics.RecordSlotReleased(context.Background())
}
