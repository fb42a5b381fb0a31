package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can react without inspecting messages.
type Kind string

const (
	KindNetworkConnection Kind = "network_connection"
	KindServerError       Kind = "server_error"
	KindClientError       Kind = "client_error"
	KindNoMoreFiles       Kind = "no_more_files"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindStorageError      Kind = "storage_error"
	KindCancelled         Kind = "cancelled"
	KindUnknown           Kind = "unknown"
)

// Error is the single error type returned by the backend client and the executor.
type Error struct {
	Kind       Kind   // Failure classification
	Operation  string // The operation that failed (e.g., "get_next_file", "commit")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Human-readable description, stable enough to show to a user
	Err        error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s during %s (HTTP %d): %s", e.Kind, e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s during %s: %s", e.Kind, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	return KindUnknown
}

// MessageOf returns the user-facing message of an error chain.
func MessageOf(err error) string {
	var te *Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}

	return err.Error()
}

// StatusError classifies a non-successful HTTP response by status-code range.
func StatusError(operation string, statusCode int, body string) *Error {
	kind := KindUnknown

	switch {
	case statusCode >= http.StatusInternalServerError:
		kind = KindServerError
	case statusCode >= http.StatusBadRequest:
		kind = KindClientError
	}

	msg := http.StatusText(statusCode)
	if body != "" {
		msg = body
	}

	return &Error{Kind: kind, Operation: operation, StatusCode: statusCode, Message: msg}
}

// TransportError classifies a failure to complete an HTTP exchange.
// Errors caused by the caller's context are reported as cancellations.
func TransportError(ctx context.Context, operation string, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Operation: operation, Message: "download cancelled", Err: err}
	}

	return &Error{Kind: KindNetworkConnection, Operation: operation, Message: err.Error(), Err: err}
}
