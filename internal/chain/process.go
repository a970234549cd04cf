package chain

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"modelchain/internal/apperrors"
	"modelchain/internal/store"
	"slices"
	"sync"
)

// Process is the live instance of one stage. It runs its units one at a
// time in ascending ordering.
type Process struct {
	job      *Job
	m        *Manager
	id       int64
	ordering int
	logger   *slog.Logger

	mu      sync.Mutex
	rec     store.StageRecord
	current *Step
	halting bool
}

func newProcess(j *Job, rec store.StageRecord) *Process {
	return &Process{
		job:      j,
		m:        j.m,
		id:       rec.ID,
		ordering: rec.Ordering,
		logger:   j.logger.With("stageId", rec.ID, "stage", rec.Name),
		rec:      rec,
	}
}

// ID returns the stage id.
func (p *Process) ID() int64 {
	return p.id
}

// Ordering returns the position of the stage within its job.
func (p *Process) Ordering() int {
	return p.ordering
}

// State returns the actual state.
func (p *Process) State() store.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.State
}

// Current returns the unit being run or paused, if any.
func (p *Process) Current() *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Start launches the lowest-ordering unit that is not STOPPED and returns
// once it is launched. started is false when every unit is already done, in
// which case the stage marks itself STOPPED.
func (p *Process) Start(ctx context.Context) (started bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halting = false
	return p.startNextStep(ctx)
}

// Pause forwards to the current unit and waits for it.
func (p *Process) Pause(ctx context.Context, hurry bool) error {
	cur := p.halt()
	if cur != nil {
		if err := cur.Pause(ctx, hurry); err != nil {
			return fmt.Errorf("pause unit %d: %w", cur.ID(), err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	if p.rec.State == store.StateStopped {
		return nil
	}
	return p.setState(ctx, store.StatePaused)
}

// Stop kills the current unit and marks the stage STOPPED.
func (p *Process) Stop(ctx context.Context) error {
	cur := p.halt()
	if cur != nil {
		if err := cur.Stop(ctx); err != nil {
			return fmt.Errorf("stop unit %d: %w", cur.ID(), err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	return p.setState(ctx, store.StateStopped)
}

func (p *Process) halt() *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halting = true
	return p.current
}

// stepDone advances to the next unit, or reports the stage done to the job.
func (p *Process) stepDone(ctx context.Context, st *Step) {
	p.mu.Lock()
	if p.current != st || p.halting {
		if p.current == st {
			p.current = nil
		}
		p.mu.Unlock()
		return
	}
	p.current = nil
	started, err := p.startNextStep(ctx)
	p.mu.Unlock()

	switch {
	case err != nil:
		p.job.Error(ctx, apperrors.AsFatal("stage.next", err))
	case !started:
		p.logger.Info("Stage done")
		p.job.processDone(ctx, p)
	}
}

// stepFailed passes a unit failure to the job unchanged.
func (p *Process) stepFailed(ctx context.Context, st *Step, err error) {
	p.job.Error(ctx, err)
}

// startNextStep is Start without the lock. Caller holds p.mu.
func (p *Process) startNextStep(ctx context.Context) (bool, error) {
	steps, err := p.steps(ctx)
	if err != nil {
		return false, fmt.Errorf("stage %d: load units: %w", p.id, err)
	}
	for _, st := range steps {
		if st.State() == store.StateStopped {
			continue
		}
		p.current = st
		if err := p.setState(ctx, store.StateRunning); err != nil {
			return false, err
		}
		if err := st.Start(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	p.current = nil
	return false, p.setState(ctx, store.StateStopped)
}

func (p *Process) steps(ctx context.Context) ([]*Step, error) {
	recs, err := p.m.store.Units(ctx, p.id)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(recs))
	for _, rec := range recs {
		st, _ := p.m.units.GetOrCreate(rec.ID, func() *Step { return newStep(p, rec) })
		if st.p != p {
			st = newStep(p, rec)
			p.m.units.Put(rec.ID, st)
		}
		steps = append(steps, st)
	}
	slices.SortStableFunc(steps, func(a, b *Step) int {
		return cmp.Compare(a.ordering, b.ordering)
	})
	return steps, nil
}

// setState persists a new state. Caller holds p.mu.
func (p *Process) setState(ctx context.Context, state store.State) error {
	if p.rec.State == state {
		return nil
	}
	if err := p.m.store.UpdateStage(ctx, p.id, state); err != nil {
		return fmt.Errorf("stage %d: mark %s: %w", p.id, state, err)
	}
	p.rec.State = state
	return nil
}
