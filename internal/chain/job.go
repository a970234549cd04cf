package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"modelchain/internal/apperrors"
	"modelchain/internal/notify"
	"modelchain/internal/store"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrNoSlot is returned by Start when no slot freed up within the
// configured wait. The job stays PAUSED and is retried later.
var ErrNoSlot = errors.New("no free slot")

// Job transitions, used for metrics and state notifications.
const (
	transitionRunning   = "running"
	transitionPaused    = "paused"
	transitionStopped   = "stopped"
	transitionDone      = "done"
	transitionDestroyed = "destroyed"
	transitionError     = "error"
)

// Job is the live instance of one model3d row. It owns the slot while
// running, the current stage and the command watcher.
type Job struct {
	m      *Manager
	id     int64
	logger *slog.Logger

	// cmd holds a token while a command runs.
	cmd chan struct{}

	mu        sync.Mutex
	rec       store.JobRecord
	current   *Process
	slot      *Slot
	halting   bool // a pause, stop or destroy is draining the current stage
	destroyed bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func newJob(m *Manager, rec store.JobRecord) *Job {
	return &Job{
		m:      m,
		id:     rec.ID,
		logger: m.logger.With("jobId", rec.ID),
		cmd:    make(chan struct{}, 1),
		rec:    rec,
	}
}

// ID returns the job id.
func (j *Job) ID() int64 {
	return j.id
}

// Record returns a copy of the in-memory row.
func (j *Job) Record() store.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec
}

// State returns the actual state.
func (j *Job) State() store.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.State
}

// Current returns the running or paused stage, if any.
func (j *Job) Current() *Process {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

// HoldsSlot reports whether the job holds a pool slot.
func (j *Job) HoldsSlot() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.slot != nil
}

// Destroyed reports whether Destroy completed on this instance.
func (j *Job) Destroyed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.destroyed
}

// Dir is the on-disk working directory of the job.
func (j *Job) Dir() string {
	return filepath.Join(j.m.cfg.DataDir, strconv.FormatInt(j.id, 10))
}

// Start runs the job: it takes a slot, marks the job RUNNING and starts the
// first unfinished stage. A job with a delete request is destroyed instead,
// and a STOPPED job only gets its desired command reset to STOP.
// Waiting for a slot is bounded by Config.SlotWait; when none frees up in
// time Start returns ErrNoSlot and leaves the job PAUSED, so the next watch
// tick or pending scan tries again.
func (j *Job) Start(ctx context.Context) error {
	if !j.tryBegin("start") {
		return nil
	}
	defer j.end()
	return j.start(ctx)
}

// Pause halts the job. With hurry the running tool is killed and the unit
// restarts from scratch on resume; without it the unit finishes first.
func (j *Job) Pause(ctx context.Context, hurry bool) error {
	if !j.tryBegin("pause") {
		return nil
	}
	defer j.end()
	return j.pause(ctx, hurry)
}

// Stop kills the running tool and marks the job STOPPED. The job stays
// cached; its stages and units are evicted once the stop completes.
func (j *Job) Stop(ctx context.Context) error {
	if !j.tryBegin("stop") {
		return nil
	}
	defer j.end()
	return j.stop(ctx)
}

// Destroy stops the job, removes its directory and rows, cancels its
// watcher and evicts it. Deletes are independent; every failure is logged
// and the joined failures are returned.
func (j *Job) Destroy(ctx context.Context) error {
	if !j.tryBegin("destroy") {
		return nil
	}
	defer j.end()
	return j.destroy(ctx)
}

// Error records err on the job row and sets the desired command to PAUSE.
// A fatal error also forces a hurried pause, which waits for any command in
// flight instead of being dropped.
func (j *Job) Error(ctx context.Context, err error) {
	if err == nil {
		return
	}
	j.recordError(ctx, err)
	if apperrors.IsFatal(err) {
		j.m.spawn(j.forcePause)
	}
}

// File returns the job's file with the given code.
func (j *Job) File(ctx context.Context, code string) (store.FileRecord, bool, error) {
	files, err := j.m.store.Files(ctx, j.id, code)
	if err != nil || len(files) == 0 {
		return store.FileRecord{}, false, err
	}
	return files[0], true, nil
}

// Param returns the effective value of the job's parameter code.
func (j *Job) Param(ctx context.Context, code string) (string, bool, error) {
	params, err := j.m.store.Params(ctx, j.id, code)
	if err != nil || len(params) == 0 {
		return "", false, err
	}
	return params[0].Effective(), true, nil
}

func (j *Job) tryBegin(command string) bool {
	select {
	case j.cmd <- struct{}{}:
		return true
	default:
		j.logger.Debug("Command in progress, dropped", "command", command)
		return false
	}
}

func (j *Job) end() {
	<-j.cmd
}

func (j *Job) start(ctx context.Context) error {
	j.mu.Lock()
	switch {
	case j.destroyed:
		j.mu.Unlock()
		return nil
	case j.rec.DeleteRequest:
		j.mu.Unlock()
		return j.destroy(ctx)
	case j.rec.State == store.StateStopped:
		err := j.update(ctx, store.JobPatch{Command: store.Ptr(store.CommandStop), Error: store.Ptr("")})
		j.mu.Unlock()
		return err
	case j.slot != nil && j.rec.State == store.StateRunning:
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	slot, err := j.acquireSlot(ctx)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		slot.Release()
		return nil
	}
	j.slot = slot
	j.halting = false
	if err := j.update(ctx, store.JobPatch{State: store.Ptr(store.StateRunning)}); err != nil {
		j.releaseSlot()
		j.mu.Unlock()
		return fmt.Errorf("job %d: mark running: %w", j.id, err)
	}
	j.logger.Info("Job running")
	j.transition(ctx, transitionRunning, j.rec)
	err = j.startNextProcess(ctx)
	j.mu.Unlock()

	if err != nil {
		// Store failures leave the command as is so the next scan retries.
		if apperrors.IsFatal(err) {
			j.recordError(ctx, err)
		}
		if perr := j.pause(ctx, true); perr != nil {
			j.logger.Error("Failed to pause after start failure", "error", perr)
		}
		return err
	}
	return nil
}

func (j *Job) acquireSlot(ctx context.Context) (*Slot, error) {
	wait := j.m.cfg.SlotWait
	if wait < 0 {
		return j.m.pool.Acquire(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	slot, err := j.m.pool.Acquire(waitCtx)
	if err != nil {
		if ctx.Err() == nil {
			return nil, ErrNoSlot
		}
		return nil, err
	}
	return slot, nil
}

// startNextProcess starts the lowest-ordering stage that is not STOPPED,
// or finishes the job when there is none. Caller holds j.mu.
func (j *Job) startNextProcess(ctx context.Context) error {
	procs, err := j.processes(ctx)
	if err != nil {
		return fmt.Errorf("job %d: load stages: %w", j.id, err)
	}
	for _, p := range procs {
		if p.State() == store.StateStopped {
			continue
		}
		j.current = p
		started, err := p.Start(ctx)
		if err != nil {
			return err
		}
		if started {
			return nil
		}
	}
	j.current = nil
	return j.finish(ctx)
}

// processes returns the job's stages sorted by ordering, reusing cached
// instances.
func (j *Job) processes(ctx context.Context) ([]*Process, error) {
	recs, err := j.m.store.Stages(ctx, j.id)
	if err != nil {
		return nil, err
	}
	procs := make([]*Process, 0, len(recs))
	for _, rec := range recs {
		p, _ := j.m.stages.GetOrCreate(rec.ID, func() *Process { return newProcess(j, rec) })
		if p.job != j {
			p = newProcess(j, rec)
			j.m.stages.Put(rec.ID, p)
		}
		procs = append(procs, p)
	}
	slices.SortStableFunc(procs, func(a, b *Process) int {
		return cmp.Compare(a.ordering, b.ordering)
	})
	return procs, nil
}

// processDone is reported by the current stage once its last unit is done.
func (j *Job) processDone(ctx context.Context, p *Process) {
	j.mu.Lock()
	if j.current != p || j.halting || j.destroyed {
		if j.current == p {
			j.current = nil
		}
		j.mu.Unlock()
		return
	}
	j.current = nil
	err := j.startNextProcess(ctx)
	j.mu.Unlock()

	if err != nil {
		j.Error(ctx, apperrors.AsFatal("job.next", err))
	}
}

// finish is the done transition. Caller holds j.mu.
func (j *Job) finish(ctx context.Context) error {
	j.releaseSlot()
	err := j.update(ctx, store.JobPatch{State: store.Ptr(store.StateStopped)})
	if err != nil {
		j.logger.Error("Failed to persist done state", "error", err)
	}
	j.logger.Info("Job done")
	j.transition(ctx, transitionDone, j.rec)
	j.stopWatch()
	j.m.evictJob(j)
	return err
}

func (j *Job) pause(ctx context.Context, hurry bool) error {
	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		return nil
	}
	if j.rec.State == store.StateStopped {
		err := j.update(ctx, store.JobPatch{Command: store.Ptr(store.CommandStop)})
		j.mu.Unlock()
		return err
	}
	j.halting = true
	cur := j.current
	j.mu.Unlock()

	if cur != nil {
		if err := cur.Pause(ctx, hurry); err != nil {
			return fmt.Errorf("job %d: pause stage %d: %w", j.id, cur.ID(), err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.current = nil
	j.releaseSlot()
	if err := j.update(ctx, store.JobPatch{State: store.Ptr(store.StatePaused)}); err != nil {
		return fmt.Errorf("job %d: mark paused: %w", j.id, err)
	}
	j.logger.Info("Job paused", "hurry", hurry)
	j.transition(ctx, transitionPaused, j.rec)
	return nil
}

func (j *Job) stop(ctx context.Context) error {
	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		return nil
	}
	j.halting = true
	cur := j.current
	j.mu.Unlock()

	if cur != nil {
		if err := cur.Stop(ctx); err != nil {
			return fmt.Errorf("job %d: stop stage %d: %w", j.id, cur.ID(), err)
		}
	}

	j.mu.Lock()
	j.current = nil
	j.releaseSlot()
	err := j.update(ctx, store.JobPatch{State: store.Ptr(store.StateStopped)})
	rec := j.rec
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("job %d: mark stopped: %w", j.id, err)
	}

	j.logger.Info("Job stopped")
	j.transition(ctx, transitionStopped, rec)
	j.m.evictDescendants(j)
	return nil
}

func (j *Job) destroy(ctx context.Context) error {
	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		return nil
	}
	j.halting = true
	cur := j.current
	j.mu.Unlock()

	if cur != nil {
		if err := cur.Stop(ctx); err != nil {
			j.logger.Warn("Failed to stop stage before destroy", "stageId", cur.ID(), "error", err)
		}
	}

	j.mu.Lock()
	j.current = nil
	j.releaseSlot()
	j.destroyed = true
	rec := j.rec
	j.mu.Unlock()

	var errs []error
	attempt := func(target string, fn func() error) {
		if err := fn(); err != nil {
			j.logger.Error("Destroy failed", "target", target, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	attempt("directory", func() error { return j.m.fs.RemoveAll(j.Dir()) })
	attempt("stages", func() error { return j.m.store.DeleteStages(ctx, j.id) })
	attempt("files", func() error { return j.m.store.DeleteFiles(ctx, j.id) })
	attempt("params", func() error { return j.m.store.DeleteParams(ctx, j.id) })
	attempt("job", func() error { return j.m.store.DeleteJob(ctx, j.id) })

	j.stopWatch()
	j.m.evictJob(j)
	j.logger.Info("Job destroyed", "failures", len(errs))
	j.transition(ctx, transitionDestroyed, rec)
	return errors.Join(errs...)
}

// abandon drops an instance whose job row no longer exists. The running
// tool is killed and nothing is written back. A command in flight defers it
// to the next tick.
func (j *Job) abandon() {
	if !j.tryBegin("abandon") {
		return
	}
	defer j.end()

	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		return
	}
	j.halting = true
	cur := j.current
	j.mu.Unlock()

	if cur != nil {
		if st := cur.halt(); st != nil {
			st.Clean()
		}
	}

	j.mu.Lock()
	j.current = nil
	j.releaseSlot()
	j.destroyed = true
	j.mu.Unlock()

	j.stopWatch()
	j.m.evictJob(j)
	j.logger.Warn("Job row is gone, instance dropped")
}

func (j *Job) recordError(ctx context.Context, err error) {
	msg := err.Error()
	j.mu.Lock()
	uerr := j.update(ctx, store.JobPatch{Error: &msg, Command: store.Ptr(store.CommandPause)})
	owner := j.rec.OwnerID
	j.mu.Unlock()

	j.logger.Error("Job failed", "error", err, "fatal", apperrors.IsFatal(err))
	if uerr != nil {
		j.logger.Error("Failed to persist job error", "error", uerr)
	}
	j.m.metrics.RecordJobTransition(ctx, transitionError)
	j.m.notify(owner, notify.Notification{Kind: notify.KindError, JobID: j.id, Error: msg})
}

// forcePause is the hurried pause that follows a fatal error. It waits for
// the command in flight rather than being dropped.
func (j *Job) forcePause(ctx context.Context) {
	select {
	case j.cmd <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer j.end()
	if err := j.pause(ctx, true); err != nil {
		j.logger.Error("Forced pause failed", "error", err)
	}
}

// shutdown cancels the watcher and pauses a running job in a hurry.
func (j *Job) shutdown(ctx context.Context) error {
	j.stopWatch()
	if j.State() != store.StateRunning {
		return nil
	}
	select {
	case j.cmd <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer j.end()
	return j.pause(ctx, true)
}

// refresh copies the client-owned fields of a fresh read. State and error
// are owned by the instance.
func (j *Job) refresh(rec store.JobRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.OwnerID = rec.OwnerID
	j.rec.Name = rec.Name
	j.rec.Ordering = rec.Ordering
	j.rec.Command = rec.Command
	j.rec.DeleteRequest = rec.DeleteRequest
}

// update writes patch to the store and, on success, to the instance.
// Caller holds j.mu.
func (j *Job) update(ctx context.Context, patch store.JobPatch) error {
	if err := j.m.store.UpdateJob(ctx, j.id, patch); err != nil {
		return err
	}
	patch.Apply(&j.rec)
	return nil
}

// releaseSlot returns the slot if held. Caller holds j.mu.
func (j *Job) releaseSlot() {
	if j.slot != nil {
		j.slot.Release()
		j.slot = nil
	}
}

// transition records a state change and tells the owner about it.
func (j *Job) transition(ctx context.Context, name string, rec store.JobRecord) {
	j.m.metrics.RecordJobTransition(ctx, name)
	state := string(rec.State)
	switch name {
	case transitionDone, transitionDestroyed:
		state = strings.ToUpper(name)
	}
	j.m.notify(rec.OwnerID, notify.Notification{Kind: notify.KindState, JobID: j.id, State: state})
}
