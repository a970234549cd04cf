package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"modelchain/internal/testutil"
	"modelchain/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closeWebhook(t *testing.T, w *Webhook) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestWebhook_Send(t *testing.T) {
	var (
		mu       sync.Mutex
		received []cloudevent.CloudEvent
		sigErrs  []error
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event cloudevent.CloudEvent
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err := cloudevent.Verify(body, r.Header.Get(cloudevent.HeaderTimestamp), r.Header.Get(cloudevent.HeaderSignature), "secret", time.Now(), time.Minute)
		mu.Lock()
		received = append(received, event)
		sigErrs = append(sigErrs, err)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{URL: server.URL, SigningKey: "secret", BufferSize: 10, Workers: 1}, nil, discardLogger())
	defer closeWebhook(t, wh)

	wh.Send(7, Notification{Kind: KindProgress, JobID: 3, UnitID: 9, Progress: 50})

	testutil.MustWaitFor(t, func() bool {
		return wh.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	event := received[0]
	if event.Type != "modelchain.unit.progress" {
		t.Errorf("unexpected type %q", event.Type)
	}
	if event.Subject != "job/3" {
		t.Errorf("unexpected subject %q", event.Subject)
	}
	if event.Data["ownerId"] != float64(7) || event.Data["progress"] != float64(50) || event.Data["unitId"] != float64(9) {
		t.Errorf("unexpected data %v", event.Data)
	}
	if sigErrs[0] != nil {
		t.Errorf("expected a valid signature, got %v", sigErrs[0])
	}
}

func TestWebhook_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{URL: server.URL, BufferSize: 10, Workers: 1}, nil, discardLogger())
	defer closeWebhook(t, wh)

	wh.Send(1, Notification{Kind: KindState, JobID: 1, State: "RUNNING"})

	testutil.MustWaitFor(t, func() bool {
		return wh.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if got := wh.Stats().RetriesTotal; got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{URL: server.URL, BufferSize: 10, Workers: 1}, nil, discardLogger())
	defer closeWebhook(t, wh)

	wh.Send(1, Notification{Kind: KindError, JobID: 1, Error: "boom"})

	testutil.MustWaitFor(t, func() bool {
		return wh.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt for 4xx, got %d", got)
	}
}

func TestWebhook_OpenBreakerDrops(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{URL: server.URL, BufferSize: 10, Workers: 1, BreakerThreshold: 1}, nil, discardLogger())
	defer closeWebhook(t, wh)

	wh.Send(1, Notification{Kind: KindState, JobID: 1, State: "RUNNING"})
	testutil.MustWaitFor(t, func() bool {
		return wh.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	wh.Send(1, Notification{Kind: KindState, JobID: 1, State: "DONE"})
	testutil.MustWaitFor(t, func() bool {
		return wh.Stats().Dropped >= 1
	}, testutil.WithTimeout(5*time.Second))

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected the open breaker to skip delivery, got %d attempts", got)
	}
}

func TestWebhook_BufferFull(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{URL: server.URL, BufferSize: 1, Workers: 1}, nil, discardLogger())

	for i := 0; i < 5; i++ {
		wh.Send(1, Notification{Kind: KindProgress, JobID: 1, Progress: i})
	}

	if wh.Stats().Dropped == 0 {
		t.Error("expected some notifications to be dropped")
	}

	close(release)
	closeWebhook(t, wh)
}

func TestWebhook_SendAfterClose(t *testing.T) {
	wh := NewWebhook(WebhookConfig{URL: "http://127.0.0.1:1", BufferSize: 1, Workers: 1}, nil, discardLogger())
	closeWebhook(t, wh)

	if err := wh.Dispatch(cloudevent.New("t", "s", "job/1", "", nil)); err == nil {
		t.Error("expected dispatch after close to fail")
	}
	if wh.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", wh.Stats().Dropped)
	}
	if err := wh.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWebhookConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := WebhookConfig{BufferSize: -1, Workers: 0, HTTPTimeout: -1}.withDefaults()

	if cfg.BufferSize != 1000 {
		t.Errorf("Expected BufferSize 1000, got %d", cfg.BufferSize)
	}
	if cfg.Workers != 2 {
		t.Errorf("Expected Workers 2, got %d", cfg.Workers)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("Expected HTTPTimeout 10s, got %v", cfg.HTTPTimeout)
	}
	if cfg.BreakerThreshold != 5 {
		t.Errorf("Expected BreakerThreshold 5, got %d", cfg.BreakerThreshold)
	}

	kept := WebhookConfig{BufferSize: 5, Workers: 3, HTTPTimeout: time.Second}.withDefaults()
	if kept.BufferSize != 5 || kept.Workers != 3 || kept.HTTPTimeout != time.Second {
		t.Errorf("Expected valid values to be preserved, got %+v", kept)
	}
}
