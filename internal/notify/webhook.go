package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"modelchain/pkg/backoff"
	"modelchain/pkg/circuitbreaker"
	"modelchain/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sinkWebhook  = "webhook"
	eventSource  = "modelchain/chain-controller"
	eventTypePfx = "modelchain."
)

// ErrBufferFull is returned when the webhook buffer is full and the
// notification is dropped.
var ErrBufferFull = errors.New("webhook buffer full, notification dropped")

// Stats holds webhook delivery statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total notifications queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or shutdown
	RetriesTotal int64 // total retry attempts
}

// Webhook delivers notifications as signed CloudEvents. Notifications are
// queued in a bounded channel and delivered by a worker pool; when the
// buffer is full they are dropped (logged + metric incremented).
type Webhook struct {
	queue   chan *cloudevent.CloudEvent
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	config  WebhookConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ Sink = (*Webhook)(nil)

// NewWebhook starts the delivery workers. metrics may be nil.
func NewWebhook(cfg WebhookConfig, metrics MetricsRecorder, logger *slog.Logger) *Webhook {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	w := &Webhook{
		queue:    make(chan *cloudevent.CloudEvent, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   logger.With("component", "webhook"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	w.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  defaultBreakerCooldown,
		OnChange: func(from, to circuitbreaker.State) {
			w.logger.Warn("Webhook endpoint state changed", "from", from.String(), "to", to.String())
		},
	})

	w.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go w.worker()
	}

	if metrics != nil {
		go w.reportQueueSize()
	}

	w.logger.Info("Webhook started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return w
}

// Send wraps n in a CloudEvent and queues it for async delivery.
func (w *Webhook) Send(ownerID int64, n Notification) {
	_ = w.Dispatch(toCloudEvent(ownerID, n))
}

// Dispatch queues an event. Non-blocking.
func (w *Webhook) Dispatch(event *cloudevent.CloudEvent) error {
	if w.closed.Load() {
		w.drop(event, "closed")
		return fmt.Errorf("webhook is closed")
	}

	select {
	case w.queue <- event:
		w.queued.Add(1)
		return nil
	default:
		w.drop(event, "buffer full")
		return ErrBufferFull
	}
}

func (w *Webhook) drop(event *cloudevent.CloudEvent, reason string) {
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotificationDropped(context.Background(), sinkWebhook)
	}
	w.logger.Warn("Notification dropped", "reason", reason, "type", event.Type, "subject", event.Subject)
}

// Stats returns current delivery statistics.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth:   len(w.queue),
		Queued:       w.queued.Load(),
		Delivered:    w.delivered.Load(),
		Failed:       w.failed.Load(),
		Dropped:      w.dropped.Load(),
		RetriesTotal: w.retriesTotal.Load(),
	}
}

// Close stops accepting notifications and drains the queue. The context
// deadline controls how long to wait for the drain.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}

	w.logger.Info("Webhook shutting down", "queued", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Webhook shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Webhook shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.metrics.RecordNotificationQueueSize(context.Background(), int64(len(w.queue)))
		}
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.shutdown:
			w.drainQueue()
			return
		case event := <-w.queue:
			w.deliver(event)
		}
	}
}

func (w *Webhook) drainQueue() {
	for {
		select {
		case event := <-w.queue:
			w.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one event with retries. Events are dropped while the
// breaker is open.
func (w *Webhook) deliver(event *cloudevent.CloudEvent) {
	if !w.breaker.Allow() {
		w.drop(event, "endpoint unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliverTimeout)
	defer cancel()

	opts := cloudevent.SendOptions{SigningKey: w.config.SigningKey}
	start := time.Now()
	retries, err := backoff.Retry(ctx, defaultMaxRetries,
		&backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff},
		cloudevent.IsClientError,
		func(ctx context.Context) error {
			return w.sender.Send(ctx, w.config.URL, event, opts)
		},
	)
	w.retriesTotal.Add(int64(retries))

	if err != nil {
		w.breaker.RecordFailure()
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotificationFailed(ctx, sinkWebhook)
		}
		w.logger.Warn("Delivery failed", "type", event.Type, "subject", event.Subject, "error", err)
		return
	}

	w.breaker.RecordSuccess()
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotificationDelivered(ctx, sinkWebhook, time.Since(start).Seconds())
	}
}

func toCloudEvent(ownerID int64, n Notification) *cloudevent.CloudEvent {
	data := map[string]any{
		"ownerId":  ownerID,
		"jobId":    n.JobID,
		"progress": n.Progress,
	}
	if n.UnitID != 0 {
		data["unitId"] = n.UnitID
	}
	if n.State != "" {
		data["state"] = n.State
	}
	if n.Error != "" {
		data["error"] = n.Error
	}
	event := cloudevent.New(eventTypePfx+string(n.Kind), eventSource, fmt.Sprintf("job/%d", n.JobID), "", data)
	if !n.Time.IsZero() {
		event.Time = n.Time.UTC()
	}
	return event
}
