package chain

import "context"

// MetricsRecorder records pipeline metrics. *observability.Metrics
// satisfies it.
type MetricsRecorder interface {
	RecordSlotAcquired(ctx context.Context)
	RecordSlotReleased(ctx context.Context)
	RecordJobTransition(ctx context.Context, transition string)
	RecordStepFinished(ctx context.Context, step string, success bool, durationSeconds float64)
	RecordWatchError(ctx context.Context, loop string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSlotAcquired(context.Context)                        {}
func (nopMetrics) RecordSlotReleased(context.Context)                        {}
func (nopMetrics) RecordJobTransition(context.Context, string)               {}
func (nopMetrics) RecordStepFinished(context.Context, string, bool, float64) {}
func (nopMetrics) RecordWatchError(context.Context, string)                  {}
