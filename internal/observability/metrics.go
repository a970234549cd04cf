package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all controller metrics implementing the golden 4 signals:
// - Latency: How long requests and steps take
// - Traffic: Request throughput and job transitions
// - Errors: Step failures, watch errors, failed notifications
// - Saturation: Concurrency slots in use, notification queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Pipeline metrics (Latency, Traffic, Errors, Saturation)
	SlotsInUse       metric.Int64UpDownCounter
	JobTransitions   metric.Int64Counter
	StepDuration     metric.Float64Histogram
	StepFailures     metric.Int64Counter
	WatchErrorsTotal metric.Int64Counter

	// Notification metrics (Latency, Traffic, Errors, Saturation)
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
	NotificationQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("modelchain")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pipeline metrics
	m.SlotsInUse, err = meter.Int64UpDownCounter(
		"chain_slots_in_use",
		metric.WithDescription("Concurrency slots currently held by running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"chain_job_transitions_total",
		metric.WithDescription("Total job state transitions by kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepDuration, err = meter.Float64Histogram(
		"chain_step_duration_seconds",
		metric.WithDescription("Step run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepFailures, err = meter.Int64Counter(
		"chain_step_failures_total",
		metric.WithDescription("Total step runs that ended in a fatal error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WatchErrorsTotal, err = meter.Int64Counter(
		"chain_watch_errors_total",
		metric.WithDescription("Total failed command-watch ticks and reconciliation scans"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDelivered, err = meter.Int64Counter(
		"notification_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationFailed, err = meter.Int64Counter(
		"notification_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDropped, err = meter.Int64Counter(
		"notification_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full or closed)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationQueueSize, err = meter.Int64Gauge(
		"notification_queue_size",
		metric.WithDescription("Current number of webhook notifications queued (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSlotAcquired records a job taking a concurrency slot.
func (m *Metrics) RecordSlotAcquired(ctx context.Context) {
	m.SlotsInUse.Add(ctx, 1)
}

// RecordSlotReleased records a job giving its slot back.
func (m *Metrics) RecordSlotReleased(ctx context.Context) {
	m.SlotsInUse.Add(ctx, -1)
}

// RecordJobTransition records a job reaching a new state (running, paused, stopped, done, destroyed, error).
func (m *Metrics) RecordJobTransition(ctx context.Context, transition string) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(transitionAttr(transition)))
}

// RecordStepFinished records the end of a step run.
func (m *Metrics) RecordStepFinished(ctx context.Context, step string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(stepAttr(step), successAttr(success))
	m.StepDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.StepFailures.Add(ctx, 1, metric.WithAttributes(stepAttr(step)))
	}
}

// RecordWatchError records a failed watch tick or scan.
func (m *Metrics) RecordWatchError(ctx context.Context, loop string) {
	m.WatchErrorsTotal.Add(ctx, 1, metric.WithAttributes(loopAttr(loop)))
}

// RecordNotificationDelivered records a delivered notification with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, sink string, durationSeconds float64) {
	attrs := metric.WithAttributes(sinkAttr(sink))
	m.NotificationDelivered.Add(ctx, 1, attrs)
	m.NotificationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordNotificationFailed records a notification that could not be delivered.
func (m *Metrics) RecordNotificationFailed(ctx context.Context, sink string) {
	m.NotificationFailed.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordNotificationDropped records a notification dropped before delivery.
func (m *Metrics) RecordNotificationDropped(ctx context.Context, sink string) {
	m.NotificationDropped.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordNotificationQueueSize records the current webhook queue size.
func (m *Metrics) RecordNotificationQueueSize(ctx context.Context, size int64) {
	m.NotificationQueueSize.Record(ctx, size)
}
