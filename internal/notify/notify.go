// Package notify pushes job state and progress changes to the job owner over
// websockets and signed webhooks.
package notify

import (
	"context"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindState    Kind = "job.state"
	KindProgress Kind = "unit.progress"
	KindError    Kind = "job.error"
)

// Notification is one message for a job owner.
type Notification struct {
	Kind     Kind      `json:"type"`
	JobID    int64     `json:"jobId"`
	UnitID   int64     `json:"unitId,omitempty"`
	State    string    `json:"state,omitempty"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink delivers notifications. Send never blocks on delivery and never fails
// the caller; sinks log and count their own failures.
type Sink interface {
	Send(ownerID int64, n Notification)
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotificationDelivered(ctx context.Context, sink string, durationSeconds float64)
	RecordNotificationFailed(ctx context.Context, sink string)
	RecordNotificationDropped(ctx context.Context, sink string)
	RecordNotificationQueueSize(ctx context.Context, size int64)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Send(int64, Notification) {}

// Fanout sends each notification to every sink in order.
type Fanout []Sink

func (f Fanout) Send(ownerID int64, n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	for _, s := range f {
		s.Send(ownerID, n)
	}
}

// Recorder keeps every notification in memory. Used by tests.
type Recorder struct {
	ch chan Recorded
}

// Recorded is a notification with its owner.
type Recorded struct {
	OwnerID int64
	Notification
}

// NewRecorder buffers up to size notifications; later ones are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Recorded, size)}
}

func (r *Recorder) Send(ownerID int64, n Notification) {
	select {
	case r.ch <- Recorded{OwnerID: ownerID, Notification: n}:
	default:
	}
}

// Drain returns every notification recorded so far.
func (r *Recorder) Drain() []Recorded {
	var out []Recorded
	for {
		select {
		case rec := <-r.ch:
			out = append(out, rec)
		default:
			return out
		}
	}
}
