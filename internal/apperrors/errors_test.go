package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("command", "command must be one of RUN, PAUSE, STOP")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "command" {
		t.Errorf("expected field 'command', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "42")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job 42 not found" {
		t.Errorf("expected message 'job 42 not found', got %q", err.Error())
	}
}

func TestForbidden(t *testing.T) {
	t.Parallel()
	err := Forbidden("job", "42")

	if !errors.Is(err, ErrForbidden) {
		t.Error("expected error to match ErrForbidden")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("forbidden must not classify as not found")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("database is locked")
	err := Internal("store.updateJob", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if err.Error() != "store.updateJob: database is locked" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()

	err := Fatal("step.normal", "input point cloud is too large")
	if !IsFatal(err) {
		t.Error("expected Fatal() to be fatal")
	}
	if err.Error() != "input point cloud is too large" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	wrapped := fmt.Errorf("stage 3: %w", err)
	if !IsFatal(wrapped) {
		t.Error("expected fatality to survive wrapping")
	}
}

func TestAsFatal(t *testing.T) {
	t.Parallel()

	if AsFatal("op", nil) != nil {
		t.Error("AsFatal(nil) should be nil")
	}

	plain := errors.New("exec: \"cloudcompare\": executable file not found in $PATH")
	got := AsFatal("step.sampling", plain)
	if !IsFatal(got) {
		t.Error("expected normalized error to be fatal")
	}
	if !errors.Is(got, plain) {
		t.Error("expected original error to be preserved as cause")
	}
	if got.Error() != plain.Error() {
		t.Errorf("expected message to be kept, got %q", got.Error())
	}

	already := Fatal("op", "boom")
	if AsFatal("other", already) != already {
		t.Error("expected fatal errors to pass through unchanged")
	}

	if IsFatal(plain) {
		t.Error("plain errors are not fatal")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"forbidden", Forbidden("job", "123"), http.StatusForbidden},
		{"conflict", Conflict("job", "123", "exists"), http.StatusConflict},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"fatal", Fatal("op", "boom"), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
