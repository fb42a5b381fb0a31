package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with HTTP status code",
			err:  &Error{Kind: KindServerError, Operation: "get_file", StatusCode: 503, Message: "service unavailable"},
			want: "server_error during get_file (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err:  &Error{Kind: KindNetworkConnection, Operation: "get_next_file", Message: "connection refused"},
			want: "network_connection during get_next_file: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &Error{Kind: KindNetworkConnection, Operation: "get_file", Err: cause}

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, fmt.Errorf("wrapped: %w", err), cause)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", &Error{Kind: KindChecksumMismatch}, KindChecksumMismatch},
		{"wrapped typed", fmt.Errorf("outer: %w", &Error{Kind: KindStorageError}), KindStorageError},
		{"context cancelled", context.Canceled, KindCancelled},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "no more files", MessageOf(&Error{Kind: KindNoMoreFiles, Message: "no more files"}))
	assert.Equal(t, "boom", MessageOf(errors.New("boom")))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantMsg  string
	}{
		{"server error with body", http.StatusBadGateway, "upstream down", KindServerError, "upstream down"},
		{"server error without body", http.StatusInternalServerError, "", KindServerError, "Internal Server Error"},
		{"client error", http.StatusNotFound, "", KindClientError, "Not Found"},
		{"redirect is unknown", http.StatusMultipleChoices, "", KindUnknown, "Multiple Choices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StatusError("get_file", tt.status, tt.body)

			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, "get_file", err.Operation)
		})
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")

	err := TransportError(context.Background(), "get_next_file", cause)
	assert.Equal(t, KindNetworkConnection, err.Kind)
	assert.Equal(t, "connection refused", err.Message)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = TransportError(ctx, "get_file", cause)
	assert.Equal(t, KindCancelled, err.Kind)
	assert.Equal(t, "download cancelled", err.Message)
	require.ErrorIs(t, err, cause)
}
