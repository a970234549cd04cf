package job

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"modelchain/internal/apperrors"
	"modelchain/internal/store"
	"slices"
	"strconv"
	"strings"
)

// Validation limits
const (
	maxNameLength = 255
	maxOrdering   = 1 << 20
)

// Service is the client command surface. It only writes desired state
// (command, delete request, name, ordering); the per-job watcher and the
// delete scan act on it.
//
// Every operation checks that the caller owns the job.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new job service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "job-service"),
	}
}

// Get returns the status of a job with its stages and units.
func (s *Service) Get(ctx context.Context, ownerID, jobID int64) (*Status, error) {
	rec, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	return s.status(ctx, rec)
}

// SetCommand sets the desired command of a job.
func (s *Service) SetCommand(ctx context.Context, ownerID, jobID int64, req *CommandRequest) (*Status, error) {
	command := store.Command(strings.ToUpper(strings.TrimSpace(req.Command)))
	if !command.Valid() {
		return nil, apperrors.Validation("command", fmt.Sprintf("command must be one of RUN, PAUSE, STOP, got %q", req.Command))
	}
	rec, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if rec.DeleteRequest {
		return nil, apperrors.Conflict("job", idString(jobID), "job is being deleted")
	}

	patch := store.JobPatch{Command: &command}
	if command == store.CommandRun {
		// A new run clears the previous failure.
		patch.Error = store.Ptr("")
	}
	if err := s.store.UpdateJob(ctx, jobID, patch); err != nil {
		return nil, apperrors.Internal("job.command", err)
	}
	patch.Apply(&rec)

	s.logger.Info("Job command set", "jobId", jobID, "command", command)
	return s.status(ctx, rec)
}

// Update renames or reorders a job.
func (s *Service) Update(ctx context.Context, ownerID, jobID int64, req *UpdateRequest) (*Status, error) {
	if err := validateUpdate(req); err != nil {
		return nil, err
	}
	rec, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	patch := store.JobPatch{Ordering: req.Ordering}
	if req.Name != nil {
		patch.Name = store.Ptr(strings.TrimSpace(*req.Name))
	}
	if err := s.store.UpdateJob(ctx, jobID, patch); err != nil {
		return nil, apperrors.Internal("job.update", err)
	}
	patch.Apply(&rec)

	s.logger.Info("Job updated", "jobId", jobID)
	return s.status(ctx, rec)
}

// RequestDelete flags a job for deletion. The job is stopped if needed and
// destroyed by its watcher or the next delete scan. Repeated requests are
// accepted.
func (s *Service) RequestDelete(ctx context.Context, ownerID, jobID int64) error {
	rec, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if rec.DeleteRequest {
		return nil
	}
	if err := s.store.UpdateJob(ctx, jobID, store.JobPatch{DeleteRequest: store.Ptr(true)}); err != nil {
		return apperrors.Internal("job.delete", err)
	}
	s.logger.Info("Job deletion requested", "jobId", jobID)
	return nil
}

// authorize loads the job and checks that ownerID owns it.
func (s *Service) authorize(ctx context.Context, ownerID, jobID int64) (store.JobRecord, error) {
	rec, err := s.store.Job(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return store.JobRecord{}, apperrors.NotFound("job", idString(jobID))
	}
	if err != nil {
		return store.JobRecord{}, apperrors.Internal("job.get", err)
	}
	if rec.OwnerID != ownerID {
		s.logger.Warn("Job access denied", "jobId", jobID, "owner", ownerID)
		return store.JobRecord{}, apperrors.Forbidden("job", idString(jobID))
	}
	return rec, nil
}

func (s *Service) status(ctx context.Context, rec store.JobRecord) (*Status, error) {
	st := newStatus(rec)
	stages, err := s.store.Stages(ctx, rec.ID)
	if err != nil {
		return nil, apperrors.Internal("job.stages", err)
	}
	slices.SortFunc(stages, func(a, b store.StageRecord) int { return cmp.Compare(a.Ordering, b.Ordering) })

	for _, stage := range stages {
		units, err := s.store.Units(ctx, stage.ID)
		if err != nil {
			return nil, apperrors.Internal("job.units", err)
		}
		slices.SortFunc(units, func(a, b store.UnitRecord) int { return cmp.Compare(a.Ordering, b.Ordering) })

		ss := StageStatus{
			ID:       stage.ID,
			Name:     stage.Name,
			Ordering: stage.Ordering,
			State:    string(stage.State),
			Units:    make([]UnitStatus, 0, len(units)),
		}
		for _, u := range units {
			ss.Units = append(ss.Units, UnitStatus{
				ID:       u.ID,
				Name:     u.Name,
				Ordering: u.Ordering,
				State:    string(u.State),
				Progress: u.Progress,
			})
		}
		st.Stages = append(st.Stages, ss)
	}
	return st, nil
}

// validateUpdate validates an update request. Does not modify the request.
func validateUpdate(req *UpdateRequest) error {
	if req.Name == nil && req.Ordering == nil {
		return apperrors.Validation("name", "nothing to update")
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return apperrors.Validation("name", "name cannot be empty")
		}
		if len(name) > maxNameLength {
			return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
		}
	}
	if req.Ordering != nil && (*req.Ordering < 0 || *req.Ordering > maxOrdering) {
		return apperrors.Validation("ordering", fmt.Sprintf("ordering must be between 0 and %d", maxOrdering))
	}
	return nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
