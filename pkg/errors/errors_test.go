package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestDocumentErrorUnwrapsSentinel(t *testing.T) {
	err := NewDocumentError("event", "ev-1", "no descriptor for reference", ErrUnknownDescriptor)

	if !errors.Is(err, ErrUnknownDescriptor) {
		t.Error("expected errors.Is to match the wrapped sentinel")
	}
	if errors.Is(err, ErrUnknownRun) {
		t.Error("matched an unrelated sentinel")
	}

	msg := err.Error()
	if msg != "[event ev-1] no descriptor for reference: unknown descriptor" {
		t.Errorf("message = %q", msg)
	}
}

func TestDocumentErrorWithoutCause(t *testing.T) {
	err := NewDocumentError("start", "run-1", "already started", nil)
	if err.Unwrap() != nil {
		t.Error("expected nil unwrap")
	}
	if err.Error() != "[start run-1] already started" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestBackendErrorFormatting(t *testing.T) {
	httpErr := NewBackendError("PUT", "http://localhost:8000/api/v1/metadata/run-1", 503, nil)
	if httpErr.Error() != "backend PUT failed: status 503 (http://localhost:8000/api/v1/metadata/run-1)" {
		t.Errorf("message = %q", httpErr.Error())
	}

	cause := errors.New("connection refused")
	transportErr := NewBackendError("GET", "http://localhost:8000", 0, cause)
	if !errors.Is(transportErr, cause) {
		t.Error("expected errors.Is to match the transport cause")
	}
}

func TestIsBackendMatchesThroughWrapping(t *testing.T) {
	inner := NewBackendError("POST", "http://localhost:8000/api/v1/nodes", 500, nil)
	wrapped := fmt.Errorf("failed to create run container: %w", inner)

	if !IsBackend(wrapped) {
		t.Error("expected IsBackend to match through wrapping")
	}
	if IsBackend(errors.New("unrelated")) {
		t.Error("matched a non-backend error")
	}
}

func TestIsInvalidSequence(t *testing.T) {
	err := NewDocumentError("stop", "stop-1", "run not started", ErrInvalidSequence)
	if !IsInvalidSequence(err) {
		t.Error("expected IsInvalidSequence to match")
	}
	if IsInvalidSequence(ErrUnknownRun) {
		t.Error("matched an unrelated sentinel")
	}
}
