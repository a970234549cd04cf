// Package store defines the persistence contract of the pipeline: jobs,
// stages, units, files and parameters, plus the desired-command read used by
// the per-job command watch.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a single-row read matches nothing.
var ErrNotFound = errors.New("record not found")

// Command is the desired state requested by a client.
type Command string

const (
	CommandRun   Command = "RUN"
	CommandPause Command = "PAUSE"
	CommandStop  Command = "STOP"
)

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	switch c {
	case CommandRun, CommandPause, CommandStop:
		return true
	}
	return false
}

// State is the actual state of a job, stage or unit.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// JobRecord is a persisted job (model3d) row.
type JobRecord struct {
	ID            int64
	OwnerID       int64
	Name          string
	Ordering      int
	Command       Command
	State         State
	Error         string
	DeleteRequest bool
}

// JobPatch updates the non-nil fields of a job row.
type JobPatch struct {
	Name          *string
	Ordering      *int
	Command       *Command
	State         *State
	Error         *string
	DeleteRequest *bool
}

// Apply copies the patched fields onto rec.
func (p JobPatch) Apply(rec *JobRecord) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Ordering != nil {
		rec.Ordering = *p.Ordering
	}
	if p.Command != nil {
		rec.Command = *p.Command
	}
	if p.State != nil {
		rec.State = *p.State
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.DeleteRequest != nil {
		rec.DeleteRequest = *p.DeleteRequest
	}
}

// JobFilter selects jobs. Zero-valued fields do not filter.
type JobFilter struct {
	Command       Command
	State         State
	DeleteRequest bool
	OwnerID       int64
}

// PendingCommand is the desired command of a job whose command differs from
// its actual state.
type PendingCommand struct {
	Command       Command
	DeleteRequest bool
}

// StageRecord is a persisted stage (process) row.
type StageRecord struct {
	ID       int64
	JobID    int64
	Ordering int
	Name     string
	State    State
}

// UnitRecord is a persisted unit-of-work (step) row.
type UnitRecord struct {
	ID       int64
	StageID  int64
	Ordering int
	Name     string
	State    State
	Progress int
}

// UnitPatch updates the non-nil fields of a unit row.
type UnitPatch struct {
	State    *State
	Progress *int
}

// Apply copies the patched fields onto rec.
func (p UnitPatch) Apply(rec *UnitRecord) {
	if p.State != nil {
		rec.State = *p.State
	}
	if p.Progress != nil {
		rec.Progress = *p.Progress
	}
}

// FileRecord is an artifact produced or consumed by steps, unique per job and code.
type FileRecord struct {
	ID    int64
	JobID int64
	Code  string
	Path  string
	Size  int64
}

// ParamRecord is a job configuration value. Value is nil when the job has no
// override and the system default applies.
type ParamRecord struct {
	ID      int64
	JobID   int64
	Code    string
	Value   *string
	Default string
}

// Effective returns the job override if present, else the default.
func (p ParamRecord) Effective() string {
	if p.Value != nil {
		return *p.Value
	}
	return p.Default
}

// Store is the persistence contract consumed by the pipeline core.
// Every method is safe for concurrent use. Deletes are independent calls;
// callers treat them as best-effort.
type Store interface {
	Jobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
	Job(ctx context.Context, id int64) (JobRecord, error)
	// PendingCommand returns nil when the job's command equals its state.
	PendingCommand(ctx context.Context, jobID int64) (*PendingCommand, error)
	CreateJob(ctx context.Context, rec JobRecord) (JobRecord, error)
	UpdateJob(ctx context.Context, id int64, patch JobPatch) error
	DeleteJob(ctx context.Context, id int64) error

	Stages(ctx context.Context, jobID int64) ([]StageRecord, error)
	CreateStage(ctx context.Context, rec StageRecord) (StageRecord, error)
	UpdateStage(ctx context.Context, id int64, state State) error
	// DeleteStages removes the job's stages and their units.
	DeleteStages(ctx context.Context, jobID int64) error

	Units(ctx context.Context, stageID int64) ([]UnitRecord, error)
	CreateUnit(ctx context.Context, rec UnitRecord) (UnitRecord, error)
	UpdateUnit(ctx context.Context, id int64, patch UnitPatch) error

	// Files returns the job's files; an empty code returns all of them.
	Files(ctx context.Context, jobID int64, code string) ([]FileRecord, error)
	CreateFile(ctx context.Context, rec FileRecord) (FileRecord, error)
	UpdateFile(ctx context.Context, id int64, path string, size int64) error
	DeleteFiles(ctx context.Context, jobID int64) error

	// Params returns the job's parameters; an empty code returns all of them.
	Params(ctx context.Context, jobID int64, code string) ([]ParamRecord, error)
	CreateParam(ctx context.Context, rec ParamRecord) (ParamRecord, error)
	DeleteParams(ctx context.Context, jobID int64) error

	// ResetRunning rewrites every RUNNING job, stage and unit to PAUSED.
	ResetRunning(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
