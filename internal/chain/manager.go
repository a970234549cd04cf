// Package chain drives 3D-model jobs through their stages and units of work:
// the job state machine, stage sequencing, the generic step driver, the
// shared slot pool, per-job command watching and the periodic scans.
//
// Commands flow down (job, current stage, current step) and completion or
// failure flows up through explicit calls on the parent. A job runs at most
// one command at a time; a command issued while another is in flight is
// dropped.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"modelchain/internal/fsutil"
	"modelchain/internal/notify"
	"modelchain/internal/store"
	"modelchain/internal/toolrunner"
	"sync"
	"time"
)

// Config tunes the manager.
type Config struct {
	DataDir       string        // per-job directories live under DataDir/<jobId>
	PoolSize      int           // jobs allowed to run tools at the same time
	WatchInterval time.Duration // per-job command polling
	// SlotWait bounds how long one start waits for a slot before giving up
	// and leaving the job PAUSED for the next attempt. Zero means one
	// WatchInterval; negative waits forever.
	SlotWait time.Duration
	// ProgressInterval is the minimum gap between two persisted progress
	// updates of a unit. 100% is always written.
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.SlotWait == 0 {
		c.SlotWait = c.WatchInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	return c
}

// Options are the collaborators of a Manager. Store, FS, Runner and
// Strategies are required.
type Options struct {
	Store      store.Store
	FS         fsutil.FileSystem
	Runner     toolrunner.Runner
	Sink       notify.Sink
	Metrics    MetricsRecorder
	Logger     *slog.Logger
	Strategies map[string]StrategyFactory
	Config     Config
}

// Manager owns the object caches, the slot pool and the background work of
// every live job.
type Manager struct {
	store      store.Store
	fs         fsutil.FileSystem
	runner     toolrunner.Runner
	sink       notify.Sink
	metrics    MetricsRecorder
	logger     *slog.Logger
	strategies map[string]StrategyFactory
	cfg        Config

	pool   *SlotPool
	jobs   *Registry[*Job]
	stages *Registry[*Process]
	units  *Registry[*Step]

	// watchCtx parents command watchers; runCtx parents tool runs and
	// forced pauses. Close cancels them in that order.
	watchCtx    context.Context
	watchCancel context.CancelFunc
	runCtx      context.Context
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a manager. Nothing runs until a job is loaded.
func NewManager(opts Options) *Manager {
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()

	m := &Manager{
		store:      opts.Store,
		fs:         opts.FS,
		runner:     opts.Runner,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "chain"),
		strategies: opts.Strategies,
		cfg:        cfg,
		pool:       NewSlotPool(cfg.PoolSize, opts.Metrics),
		jobs:       NewRegistry[*Job](),
		stages:     NewRegistry[*Process](),
		units:      NewRegistry[*Step](),
	}
	m.watchCtx, m.watchCancel = context.WithCancel(context.Background())
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	return m
}

// Job returns the live instance of job id, loading it from the store and
// starting its command watcher on first use. A cached instance gets the
// client-owned fields refreshed from the row.
func (m *Manager) Job(ctx context.Context, id int64) (*Job, error) {
	rec, err := m.store.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	j, created := m.jobs.GetOrCreate(id, func() *Job {
		j := newJob(m, rec)
		j.startWatch(m.watchCtx, m.cfg.WatchInterval)
		return j
	})
	if !created {
		j.refresh(rec)
	}
	return j, nil
}

// Cached returns the live instance of job id without touching the store.
func (m *Manager) Cached(id int64) (*Job, bool) {
	return m.jobs.Get(id)
}

// Pool returns the shared slot pool.
func (m *Manager) Pool() *SlotPool {
	return m.pool
}

// CacheSizes returns the number of live jobs, stages and units.
func (m *Manager) CacheSizes() (jobs, stages, units int) {
	return m.jobs.Len(), m.stages.Len(), m.units.Len()
}

// Close stops every command watcher, pauses running jobs in a hurry so
// their tools are killed and their state is persisted, then waits for
// background work. Interrupted units restart from scratch on resume.
func (m *Manager) Close(ctx context.Context) error {
	m.watchCancel()

	var errs []error
	for _, j := range m.jobs.Values() {
		if err := j.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.runCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// spawn runs fn in a tracked goroutine bound to the run context.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.runCtx)
	}()
}

func (m *Manager) evictDescendants(j *Job) {
	m.units.EvictWhere(func(st *Step) bool { return st.p.job == j })
	m.stages.EvictWhere(func(p *Process) bool { return p.job == j })
}

func (m *Manager) evictJob(j *Job) {
	m.evictDescendants(j)
	m.jobs.EvictWhere(func(cur *Job) bool { return cur == j })
}

// putFile records a produced file, creating the row for a new code and
// updating path and size otherwise.
func (m *Manager) putFile(ctx context.Context, jobID int64, code, path string, size int64) error {
	files, err := m.store.Files(ctx, jobID, code)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return m.store.UpdateFile(ctx, files[0].ID, path, size)
	}
	_, err = m.store.CreateFile(ctx, store.FileRecord{JobID: jobID, Code: code, Path: path, Size: size})
	return err
}

func (m *Manager) notify(ownerID int64, n notify.Notification) {
	m.sink.Send(ownerID, n)
}
