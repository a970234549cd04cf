package chain

import (
	"context"
	"errors"
	"log/slog"
	"modelchain/internal/store"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	loopPending = "pending"
	loopDelete  = "delete"
)

// Reconciler runs the two host scans: it starts jobs whose desired command
// is RUN while they are PAUSED, and destroys jobs with a delete request.
// A failing job is logged and never aborts a scan.
type Reconciler struct {
	m           *Manager
	interval    time.Duration
	parallelism int
	logger      *slog.Logger
}

// NewReconciler creates a reconciler scanning every interval with at most
// parallelism jobs handled at once.
func NewReconciler(m *Manager, interval time.Duration, parallelism int) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Reconciler{
		m:           m,
		interval:    interval,
		parallelism: parallelism,
		logger:      m.logger.With("component", "reconciler"),
	}
}

// Run scans once, then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started", "interval", r.interval, "parallelism", r.parallelism)
	r.Tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs both scans once.
func (r *Reconciler) Tick(ctx context.Context) {
	if err := r.ScanPending(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Pending scan failed", "error", err)
		r.m.metrics.RecordWatchError(ctx, loopPending)
	}
	if err := r.ScanDeletes(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Delete scan failed", "error", err)
		r.m.metrics.RecordWatchError(ctx, loopDelete)
	}
}

// ScanPending starts every job with command RUN and state PAUSED. Only the
// listing error is returned.
func (r *Reconciler) ScanPending(ctx context.Context) error {
	jobs, err := r.m.store.Jobs(ctx, store.JobFilter{Command: store.CommandRun, State: store.StatePaused})
	if err != nil {
		return err
	}
	r.each(ctx, jobs, loopPending, (*Job).Start)
	return nil
}

// ScanDeletes destroys every job with a delete request.
func (r *Reconciler) ScanDeletes(ctx context.Context) error {
	jobs, err := r.m.store.Jobs(ctx, store.JobFilter{DeleteRequest: true})
	if err != nil {
		return err
	}
	r.each(ctx, jobs, loopDelete, (*Job).Destroy)
	return nil
}

func (r *Reconciler) each(ctx context.Context, recs []store.JobRecord, loop string, fn func(*Job, context.Context) error) {
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, rec := range recs {
		g.Go(func() error {
			logger := r.logger.With("jobId", rec.ID, "scan", loop)
			j, err := r.m.Job(ctx, rec.ID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Warn("Failed to load job", "error", err)
				}
				return nil
			}
			if err := fn(j, ctx); err != nil {
				if errors.Is(err, ErrNoSlot) {
					logger.Debug("No free slot, retrying next scan")
				} else {
					logger.Error("Scan action failed", "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
