package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSequence indicates a document arrived outside the run lifecycle order
	ErrInvalidSequence = errors.New("invalid document sequence")

	// ErrUnknownRun indicates a document references a run that was never started
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownDescriptor indicates a document references a descriptor that was never declared
	ErrUnknownDescriptor = errors.New("unknown descriptor")

	// ErrUnknownStreamResource indicates a stream datum references a resource that was never announced
	ErrUnknownStreamResource = errors.New("unknown stream resource")

	// ErrInvalidRange indicates a stream datum carries a malformed row range
	ErrInvalidRange = errors.New("invalid row range")

	// ErrUnsupportedSpec indicates a stream resource declares a spec tag with no known mimetype
	ErrUnsupportedSpec = errors.New("unsupported resource spec")

	// ErrUnknownKind indicates a document kind outside the closed set
	ErrUnknownKind = errors.New("unknown document kind")
)

// DocumentError represents a failure while applying one document.
// It records which document failed and wraps the underlying cause so
// callers can match the taxonomy sentinels with errors.Is.
type DocumentError struct {
	// Kind is the document kind being applied
	Kind string

	// UID is the failing document's unique id, if it carries one
	UID string

	// Message is a human-readable description
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *DocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s %s] %s: %v", e.Kind, e.UID, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s %s] %s", e.Kind, e.UID, e.Message)
}

// Unwrap returns the underlying error
func (e *DocumentError) Unwrap() error {
	return e.Err
}

// NewDocumentError creates a new document processing error
func NewDocumentError(kind, uid, message string, err error) *DocumentError {
	return &DocumentError{
		Kind:    kind,
		UID:     uid,
		Message: message,
		Err:     err,
	}
}

// BackendError represents an opaque failure surfaced from the storage
// service. Effects issued before the failure remain committed; recovery
// is left to the caller.
type BackendError struct {
	// Op is the storage operation that failed (e.g. "create container")
	Op string

	// StatusCode is the HTTP status returned by the service, if any
	StatusCode int

	// URL is the request URL, if known
	URL string

	// Err is the underlying transport or decoding error, if any
	Err error
}

// Error implements the error interface
func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s failed: status %d (%s)", e.Op, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new storage backend error
func NewBackendError(op, url string, statusCode int, err error) *BackendError {
	return &BackendError{
		Op:         op,
		StatusCode: statusCode,
		URL:        url,
		Err:        err,
	}
}

// IsBackend checks if an error originated in the storage backend
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsInvalidSequence checks if an error is a lifecycle order violation
func IsInvalidSequence(err error) bool {
	return errors.Is(err, ErrInvalidSequence)
}
