package job

import "modelchain/internal/store"

// CommandRequest sets the desired command of a job.
type CommandRequest struct {
	Command string `json:"command"`
}

// UpdateRequest renames or reorders a job. Nil fields are left alone.
type UpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	Ordering *int    `json:"ordering,omitempty"`
}

// Status is the client view of a job and its pipeline.
type Status struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Ordering      int           `json:"ordering"`
	Command       string        `json:"command"`
	State         string        `json:"state"`
	Error         string        `json:"error,omitempty"`
	DeleteRequest bool          `json:"deleteRequest"`
	Stages        []StageStatus `json:"stages"`
}

// StageStatus is one stage of a job.
type StageStatus struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Ordering int          `json:"ordering"`
	State    string       `json:"state"`
	Units    []UnitStatus `json:"units"`
}

// UnitStatus is one unit of work of a stage.
type UnitStatus struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Ordering int    `json:"ordering"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

func newStatus(rec store.JobRecord) *Status {
	return &Status{
		ID:            rec.ID,
		Name:          rec.Name,
		Ordering:      rec.Ordering,
		Command:       string(rec.Command),
		State:         string(rec.State),
		Error:         rec.Error,
		DeleteRequest: rec.DeleteRequest,
		Stages:        []StageStatus{},
	}
}
