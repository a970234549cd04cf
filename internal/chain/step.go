package chain

import (
	"context"
	"fmt"
	"log/slog"
	"modelchain/internal/apperrors"
	"modelchain/internal/fsutil"
	"modelchain/internal/notify"
	"modelchain/internal/store"
	"modelchain/internal/toolrunner"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Strategy is the tool-specific part of a unit. The generic driver owns the
// lifecycle; a strategy only launches tools, reads their output and decides
// when the run is finished or failed. A fresh strategy is built for every
// run, so a resumed unit always starts from scratch.
type Strategy interface {
	// Launch resolves inputs and spawns the first tool.
	Launch(ctx context.Context, s *Session) error
	// OnOutput receives every output line of the running tool.
	OnOutput(s *Session, line toolrunner.Line)
	// OnExit is called when a tool exits on its own; exitErr is nil on a
	// zero status. It is not called after the run is settled or cancelled.
	OnExit(ctx context.Context, s *Session, exitErr error)
	// Cleanup releases strategy resources such as watches and timers. It is
	// called exactly once per run, after the running tool was killed.
	Cleanup()
}

// StrategyFactory builds the strategy of one run. Factories are keyed by
// unit name.
type StrategyFactory func() Strategy

// Output is a file produced by a finished run. Its size is read when the
// run completes and the job's file with the same code is created or
// updated.
type Output struct {
	Code string
	Path string
}

// Step is the live instance of one unit of work.
type Step struct {
	p        *Process
	m        *Manager
	id       int64
	ordering int
	name     string
	logger   *slog.Logger

	mu  sync.Mutex
	rec store.UnitRecord
	run *run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newStep(p *Process, rec store.UnitRecord) *Step {
	return &Step{
		p:        p,
		m:        p.m,
		id:       rec.ID,
		ordering: rec.Ordering,
		name:     rec.Name,
		logger:   p.logger.With("unitId", rec.ID, "step", rec.Name),
		rec:      rec,
	}
}

// ID returns the unit id.
func (st *Step) ID() int64 {
	return st.id
}

// Name returns the unit name, which selects its strategy.
func (st *Step) Name() string {
	return st.name
}

// State returns the actual state.
func (st *Step) State() store.State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.State
}

// Progress returns the last persisted progress.
func (st *Step) Progress() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Progress
}

// Running reports whether a run is in flight.
func (st *Step) Running() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run != nil
}

// Start marks the unit RUNNING and launches a run in the background. It
// returns once the run is launched; the outcome is reported to the stage.
func (st *Step) Start(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run != nil {
		return nil
	}
	factory, ok := st.m.strategies[st.name]
	if !ok {
		return apperrors.Fatal("step.start", fmt.Sprintf("unit %d: unknown step %q", st.id, st.name))
	}
	if err := st.update(ctx, store.UnitPatch{State: store.Ptr(store.StateRunning), Progress: store.Ptr(0)}); err != nil {
		return fmt.Errorf("unit %d: mark running: %w", st.id, err)
	}

	runCtx, cancel := context.WithCancel(st.m.runCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	st.run = r
	sess := newSession(runCtx, st, factory())
	st.logger.Info("Step started")
	go st.drive(runCtx, r, sess)
	return nil
}

// Pause waits for the run to finish on its own, or kills it first with
// hurry. A unit that did not finish is marked PAUSED.
func (st *Step) Pause(ctx context.Context, hurry bool) error {
	if err := st.interrupt(ctx, hurry); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rec.State != store.StateRunning {
		return nil
	}
	return st.update(ctx, store.UnitPatch{State: store.Ptr(store.StatePaused)})
}

// Stop kills the run and marks the unit STOPPED.
func (st *Step) Stop(ctx context.Context) error {
	if err := st.interrupt(ctx, true); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rec.State == store.StateStopped {
		return nil
	}
	return st.update(ctx, store.UnitPatch{State: store.Ptr(store.StateStopped)})
}

// Clean kills the run, if any, and waits until its tool, watches and timers
// are released. It is idempotent and leaves the persisted state alone. It
// must not be called from a strategy callback.
func (st *Step) Clean() {
	st.interrupt(context.Background(), true)
}

func (st *Step) interrupt(ctx context.Context, kill bool) error {
	st.mu.Lock()
	r := st.run
	st.mu.Unlock()
	if r == nil {
		return nil
	}
	if kill {
		r.cancel()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive runs one session to its outcome and reports it to the stage. A
// cancelled run reports nothing; whoever cancelled it owns the transition.
func (st *Step) drive(ctx context.Context, r *run, sess *Session) {
	defer close(r.done)
	defer r.cancel()

	started := time.Now()
	if err := sess.strategy.Launch(ctx, sess); err != nil {
		sess.Fail(err)
	}

	var res result
	select {
	case res = <-sess.outcome:
	case <-ctx.Done():
	}
	sess.shutdown()
	sess.strategy.Cleanup()
	sess.pumps.Wait()

	if ctx.Err() == nil && res.err == nil {
		res.err = st.complete(ctx, res.output)
	}

	st.mu.Lock()
	st.run = nil
	st.mu.Unlock()

	if ctx.Err() != nil {
		st.logger.Info("Step interrupted", "elapsed", time.Since(started))
		return
	}
	st.m.metrics.RecordStepFinished(ctx, st.name, res.err == nil, time.Since(started).Seconds())
	if res.err != nil {
		st.logger.Error("Step failed", "error", res.err)
		st.p.stepFailed(ctx, st, res.err)
		return
	}
	st.logger.Info("Step done", "elapsed", time.Since(started))
	st.p.stepDone(ctx, st)
}

// complete records the output file and marks the unit STOPPED at 100%.
func (st *Step) complete(ctx context.Context, out *Output) error {
	if out != nil {
		size, err := st.m.fs.Size(out.Path)
		if err != nil {
			return apperrors.AsFatal("step.done", fmt.Errorf("unit %d: read size of %s: %w", st.id, out.Path, err))
		}
		if err := st.m.putFile(ctx, st.p.job.id, out.Code, out.Path, size); err != nil {
			return apperrors.AsFatal("step.done", fmt.Errorf("unit %d: record file %s: %w", st.id, out.Code, err))
		}
		st.logger.Info("Output recorded", "code", out.Code, "path", out.Path, "size", size)
	}

	st.mu.Lock()
	err := st.update(ctx, store.UnitPatch{State: store.Ptr(store.StateStopped), Progress: store.Ptr(100)})
	st.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unit %d: mark done: %w", st.id, err)
	}
	st.notifyProgress(100)
	return nil
}

// setProgress persists and publishes pct. Failures are logged only.
func (st *Step) setProgress(ctx context.Context, pct int) {
	st.mu.Lock()
	err := st.update(ctx, store.UnitPatch{Progress: &pct})
	st.mu.Unlock()
	if err != nil {
		st.logger.Warn("Failed to persist progress", "progress", pct, "error", err)
		return
	}
	st.notifyProgress(pct)
}

func (st *Step) notifyProgress(pct int) {
	owner := st.p.job.Record().OwnerID
	st.m.notify(owner, notify.Notification{
		Kind:     notify.KindProgress,
		JobID:    st.p.job.id,
		UnitID:   st.id,
		Progress: pct,
	})
}

// update writes patch to the store and the instance. Caller holds st.mu.
func (st *Step) update(ctx context.Context, patch store.UnitPatch) error {
	if err := st.m.store.UpdateUnit(ctx, st.id, patch); err != nil {
		return err
	}
	patch.Apply(&st.rec)
	return nil
}

type result struct {
	output *Output
	err    error
}

// Session is the handle a strategy uses during one run: it spawns tools,
// reads job inputs, publishes progress and settles the run. The first
// Finish or Fail wins; later calls are ignored.
type Session struct {
	ctx      context.Context
	step     *Step
	strategy Strategy
	logger   *slog.Logger
	limiter  *rate.Limiter

	outcome chan result
	once    sync.Once
	settled atomic.Bool

	mu     sync.Mutex
	inv    toolrunner.Invocation
	closed bool
	pumps  sync.WaitGroup
}

func newSession(ctx context.Context, st *Step, strategy Strategy) *Session {
	return &Session{
		ctx:      ctx,
		step:     st,
		strategy: strategy,
		logger:   st.logger,
		limiter:  rate.NewLimiter(rate.Every(st.m.cfg.ProgressInterval), 1),
		outcome:  make(chan result, 1),
	}
}

// JobID returns the id of the job the run belongs to.
func (s *Session) JobID() int64 {
	return s.step.p.job.id
}

// UnitID returns the id of the running unit.
func (s *Session) UnitID() int64 {
	return s.step.id
}

// Logger returns the unit logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// FS returns the file system.
func (s *Session) FS() fsutil.FileSystem {
	return s.step.m.fs
}

// File returns the job's file with the given code.
func (s *Session) File(ctx context.Context, code string) (store.FileRecord, bool, error) {
	return s.step.p.job.File(ctx, code)
}

// Param returns the effective value of the job's parameter code.
func (s *Session) Param(ctx context.Context, code string) (string, bool, error) {
	return s.step.p.job.Param(ctx, code)
}

// Spawn starts a tool and feeds its output to the strategy. It fails once
// the run is settled or cancelled.
func (s *Session) Spawn(cmd toolrunner.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	inv, err := s.step.m.runner.Start(s.ctx, cmd)
	if err != nil {
		return fmt.Errorf("start %s: %w", cmd.Name, err)
	}
	s.inv = inv
	s.logger.Info("Tool started", "tool", cmd.Name, "invocation", inv.ID())
	s.pumps.Add(1)
	go s.pump(inv, cmd)
	return nil
}

// Progress publishes pct, clamped to 0..100. Updates closer together than
// the configured interval are dropped, except 100.
func (s *Session) Progress(pct int) {
	pct = min(max(pct, 0), 100)
	if s.settled.Load() || (pct < 100 && !s.limiter.Allow()) {
		return
	}
	s.step.setProgress(s.ctx, pct)
}

// Finish settles the run successfully. out may be nil when the run
// produced no file.
func (s *Session) Finish(out *Output) {
	s.settle(result{output: out})
}

// Fail settles the run with err, normalised into a fatal step error.
func (s *Session) Fail(err error) {
	s.settle(result{err: apperrors.AsFatal("step."+s.step.name, err)})
}

// Settled reports whether Finish or Fail was called.
func (s *Session) Settled() bool {
	return s.settled.Load()
}

func (s *Session) settle(r result) {
	s.once.Do(func() {
		s.settled.Store(true)
		s.outcome <- r
	})
}

func (s *Session) pump(inv toolrunner.Invocation, cmd toolrunner.Command) {
	defer s.pumps.Done()
	for line := range inv.Lines() {
		s.logger.Debug("Tool output", "tool", cmd.Name, "stream", line.Stream, "line", line.Text)
		if s.settled.Load() {
			continue
		}
		s.strategy.OnOutput(s, line)
	}
	err := inv.Wait()
	if s.settled.Load() || s.ctx.Err() != nil {
		return
	}
	s.logger.Info("Tool exited", "tool", cmd.Name, "code", exitCode(err))
	s.strategy.OnExit(s.ctx, s, err)
}

// shutdown refuses further spawns and kills the current tool.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	inv := s.inv
	s.mu.Unlock()
	if inv == nil {
		return
	}
	if err := inv.Kill(); err != nil {
		s.logger.Warn("Failed to kill tool", "invocation", inv.ID(), "error", err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return toolrunner.ExitCode(err)
}
