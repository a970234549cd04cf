package chain

import (
	"context"
	"errors"
	"modelchain/internal/store"
	"modelchain/internal/testutil"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_FollowsDesiredCommand(t *testing.T) {
	h := newHarness(t, withConfig(Config{DataDir: "/data", WatchInterval: 10 * time.Millisecond}))
	h.runner.Script("tool", testutil.Script{Hold: true})
	job, _ := h.simpleJob("tool")
	ctx := context.Background()

	j := h.load(job.ID)
	h.waitJobState(job.ID, store.StateRunning)
	assert.True(t, j.HoldsSlot())

	require.NoError(t, h.store.UpdateJob(ctx, job.ID, store.JobPatch{Command: store.Ptr(store.CommandStop)}))
	h.waitJobState(job.ID, store.StateStopped)
	h.eventually(func() bool { return !j.HoldsSlot() }, "slot released")
	assert.True(t, h.runner.Last("tool").Exited())

	require.NoError(t, h.store.UpdateJob(ctx, job.ID, store.JobPatch{DeleteRequest: store.Ptr(true)}))
	h.eventually(func() bool {
		_, err := h.store.Job(ctx, job.ID)
		return errors.Is(err, store.ErrNotFound)
	}, "job destroyed")
	h.eventually(j.Destroyed, "instance destroyed")
}

func TestWatcher_DropsJobWhoseRowIsGone(t *testing.T) {
	h := newHarness(t, withConfig(Config{DataDir: "/data", WatchInterval: 10 * time.Millisecond}))
	h.runner.Script("tool", testutil.Script{Hold: true})
	job, _ := h.simpleJob("tool")
	ctx := context.Background()

	j := h.load(job.ID)
	h.waitJobState(job.ID, store.StateRunning)
	h.eventually(func() bool { return h.runner.Last("tool") != nil }, "tool started")

	require.NoError(t, h.store.DeleteStages(ctx, job.ID))
	require.NoError(t, h.store.DeleteJob(ctx, job.ID))

	h.eventually(j.Destroyed, "instance dropped")
	_, cached := h.m.Cached(job.ID)
	assert.False(t, cached, "dropped job is evicted")
	assert.False(t, j.HoldsSlot())
	assert.Zero(t, h.m.Pool().InUse())
	assert.True(t, h.runner.Last("tool").Exited(), "running tool is killed")

	select {
	case <-j.watchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher still running")
	}
}

func TestCheckCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing pending", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob(store.JobRecord{Command: store.CommandPause, State: store.StatePaused})
		j := h.load(job.ID)

		require.NoError(t, j.checkCommand(ctx))
		assert.Empty(t, h.runner.Started())
		assert.Equal(t, store.StatePaused, j.State())
	})

	t.Run("pause waits for the unit", func(t *testing.T) {
		h := newHarness(t)
		h.runner.Script("tool", testutil.Script{Hold: true})
		job, _ := h.simpleJob("tool")
		j := h.load(job.ID)
		require.NoError(t, j.Start(ctx))

		require.NoError(t, h.store.UpdateJob(ctx, job.ID, store.JobPatch{Command: store.Ptr(store.CommandPause)}))
		done := make(chan error, 1)
		go func() { done <- j.checkCommand(ctx) }()
		h.eventually(func() bool { return h.runner.Last("tool") != nil }, "tool started")
		h.runner.Last("tool").Release()

		require.NoError(t, <-done)
		assert.Equal(t, store.StatePaused, h.jobRow(job.ID).State)
	})

	t.Run("delete on a running job stops first", func(t *testing.T) {
		h := newHarness(t)
		h.runner.Script("tool", testutil.Script{Hold: true})
		job, _ := h.simpleJob("tool")
		j := h.load(job.ID)
		require.NoError(t, j.Start(ctx))

		require.NoError(t, h.store.UpdateJob(ctx, job.ID, store.JobPatch{DeleteRequest: store.Ptr(true)}))
		require.NoError(t, j.checkCommand(ctx))
		assert.Equal(t, store.StateStopped, h.jobRow(job.ID).State)
		assert.False(t, j.Destroyed())

		require.NoError(t, j.checkCommand(ctx))
		assert.True(t, j.Destroyed())
	})

	t.Run("unknown command is ignored", func(t *testing.T) {
		h := newHarness(t)
		job, _ := h.simpleJob("tool")
		require.NoError(t, h.store.UpdateJob(ctx, job.ID, store.JobPatch{Command: store.Ptr(store.Command("JUMP"))}))
		j := h.load(job.ID)

		require.NoError(t, j.checkCommand(ctx))
		assert.Empty(t, h.runner.Started())
		assert.Equal(t, store.StatePaused, j.State())
	})
}

func TestReconciler_Tick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, _ := h.simpleJob("tool")
	doomed := h.createJob(store.JobRecord{Command: store.CommandStop, State: store.StateStopped, DeleteRequest: true})
	idle := h.createJob(store.JobRecord{Command: store.CommandPause, State: store.StatePaused})

	r := NewReconciler(h.m, time.Hour, 2)
	r.Tick(ctx)

	_, err := h.store.Job(ctx, doomed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	h.waitJobState(pending.ID, store.StateStopped)
	assert.Equal(t, store.StatePaused, h.jobRow(idle.ID).State)
	_, ok := h.m.Cached(idle.ID)
	assert.False(t, ok, "scans only load matching jobs")
}

func TestReconciler_NoSlotIsRetried(t *testing.T) {
	h := newHarness(t, withConfig(Config{DataDir: "/data", WatchInterval: time.Hour, SlotWait: 20 * time.Millisecond}))
	ctx := context.Background()
	job, _ := h.simpleJob("tool")

	held, err := h.m.Pool().Acquire(ctx)
	require.NoError(t, err)

	r := NewReconciler(h.m, time.Hour, 1)
	require.NoError(t, r.ScanPending(ctx))
	assert.Equal(t, store.StatePaused, h.jobRow(job.ID).State)

	held.Release()
	require.NoError(t, r.ScanPending(ctx))
	h.waitJobState(job.ID, store.StateStopped)
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(h.m, 5*time.Millisecond, 1).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
