package chain

import (
	"context"
	"errors"
	"modelchain/internal/store"
	"time"
)

const loopCommand = "command"

// startWatch polls the job's desired command every interval until stopWatch
// or the parent context ends it.
func (j *Job) startWatch(parent context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	j.watchCancel = cancel
	j.watchDone = make(chan struct{})

	j.m.wg.Add(1)
	go func() {
		defer j.m.wg.Done()
		defer close(j.watchDone)
		j.watch(ctx, interval)
	}()
}

// stopWatch cancels the watcher without waiting for it, so it is safe to
// call from a command the watcher itself issued.
func (j *Job) stopWatch() {
	if j.watchCancel != nil {
		j.watchCancel()
	}
}

func (j *Job) watch(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := j.checkCommand(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrNoSlot) {
				j.logger.Debug("Waiting for a free slot")
			} else {
				j.logger.Warn("Command watch failed", "error", err)
				j.m.metrics.RecordWatchError(ctx, loopCommand)
			}
		}
		timer.Reset(interval)
	}
}

// checkCommand reconciles the desired command with the actual state once.
// Nothing is read when the job is destroyed and nothing is done when no
// command is pending. A job whose row is gone is dropped.
func (j *Job) checkCommand(ctx context.Context) error {
	if j.Destroyed() {
		return nil
	}
	pending, err := j.m.store.PendingCommand(ctx, j.id)
	if errors.Is(err, store.ErrNotFound) {
		j.abandon()
		return nil
	}
	if err != nil || pending == nil {
		return err
	}

	j.mu.Lock()
	j.rec.Command = pending.Command
	j.rec.DeleteRequest = pending.DeleteRequest
	state := j.rec.State
	j.mu.Unlock()

	if pending.DeleteRequest {
		if state == store.StateStopped {
			return j.Destroy(ctx)
		}
		// The next tick destroys the stopped job.
		return j.Stop(ctx)
	}

	switch pending.Command {
	case store.CommandRun:
		return j.Start(ctx)
	case store.CommandPause:
		return j.Pause(ctx, false)
	case store.CommandStop:
		return j.Stop(ctx)
	default:
		j.logger.Warn("Unknown command ignored", "command", pending.Command)
		return nil
	}
}
