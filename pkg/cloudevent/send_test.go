package cloudevent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "400", err: &HTTPError{StatusCode: 400}, expected: true},
		{name: "404", err: &HTTPError{StatusCode: 404}, expected: true},
		{name: "wrapped 410", err: fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 410}), expected: true},
		{name: "408 is retried", err: &HTTPError{StatusCode: 408}},
		{name: "429 is retried", err: &HTTPError{StatusCode: 429}},
		{name: "500", err: &HTTPError{StatusCode: 500}},
		{name: "non-HTTP error", err: context.DeadlineExceeded},
		{name: "nil error", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestNew_GeneratesID(t *testing.T) {
	t.Parallel()
	a := New("modelchain.job.state", "modelchain/chain-controller", "job/1", "", nil)
	b := New("modelchain.job.state", "modelchain/chain-controller", "job/1", "", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct generated ids, got %q and %q", a.ID, b.ID)
	}
	if c := New("t", "s", "sub", "fixed", nil); c.ID != "fixed" {
		t.Errorf("expected explicit id to be kept, got %q", c.ID)
	}
}

func TestSender_SignedDeliveryVerifies(t *testing.T) {
	t.Parallel()

	var (
		header  http.Header
		gotBody []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New("modelchain.unit.progress", "modelchain/chain-controller", "job/7", "", map[string]any{"progress": 50})
	if err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, SendOptions{SigningKey: "k"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := header.Get("Ce-Type"); got != "modelchain.unit.progress" {
		t.Errorf("Ce-Type = %q", got)
	}
	ts, sig := header.Get(HeaderTimestamp), header.Get(HeaderSignature)
	if err := Verify(gotBody, ts, sig, "k", time.Now(), time.Minute); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := Verify(gotBody, ts, sig, "other", time.Now(), time.Minute); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected wrong key to fail, got %v", err)
	}
	if err := Verify(append(gotBody, ' '), ts, sig, "k", time.Now(), time.Minute); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected tampered body to fail, got %v", err)
	}
}

func TestSender_UnsignedDelivery(t *testing.T) {
	t.Parallel()
	var sig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(HeaderSignature)
	}))
	defer server.Close()

	if err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "sub", "", nil), SendOptions{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sig != "" {
		t.Errorf("expected no signature, got %q", sig)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":"1"}`)
	old := time.Now().Add(-10 * time.Minute)
	ts := strconv.FormatInt(old.Unix(), 10)
	sig := signature(ts, body, "k")

	if err := Verify(body, ts, sig, "k", old, time.Minute); err != nil {
		t.Errorf("expected signature valid at signing time, got %v", err)
	}
	if err := Verify(body, ts, sig, "k", time.Now(), time.Minute); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected stale timestamp to fail, got %v", err)
	}
	if err := Verify(body, "not-a-time", sig, "k", time.Now(), time.Minute); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected malformed timestamp to fail, got %v", err)
	}
}

func TestSender_SendRejected(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "sub", "", nil), SendOptions{})
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if he.StatusCode != http.StatusTooManyRequests || he.RetryAfter != 3*time.Second {
		t.Errorf("unexpected error %+v", he)
	}
	if IsClientError(err) {
		t.Error("expected 429 to be retried")
	}
}
