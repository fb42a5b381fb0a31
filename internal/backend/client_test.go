package backend

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/filequeue/internal/telemetry"
	"github.com/italolelis/filequeue/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(server.Client())
	require.True(t, c.SetBaseURL(server.URL))

	return c
}

func TestSetBaseURL(t *testing.T) {
	c := NewClient(nil)

	assert.True(t, c.SetBaseURL("http://example.com/api/"))
	assert.Equal(t, "http://example.com/api", c.BaseURL())
	assert.False(t, c.SetBaseURL("http://example.com/api"), "unchanged url must be rejected")
	assert.False(t, c.SetBaseURL("  http://example.com/api/  "))
	assert.True(t, c.SetBaseURL("http://other.example.com"))
}

func TestEscapePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a.bin", "a.bin"},
		{"spaces", "my file.bin", "my%20file.bin"},
		{"keeps slashes", "dir/sub dir/file.bin", "dir/sub%20dir/file.bin"},
		{"reserved characters", "a?b#c%d.bin", "a%3Fb%23c%25d.bin"},
		{"unicode", "ñandú.txt", "%C3%B1and%C3%BA.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapePath(tt.in))
		})
	}
}

func TestNextFileMetadata(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind transfer.Kind
		want     *transfer.FileMetadata
	}{
		{
			name:   "metadata",
			status: http.StatusOK,
			body:   `{"fileName":"a.bin","fileLength":1000,"checkSum":"deadbeef"}`,
			want:   &transfer.FileMetadata{FileName: "a.bin", FileLength: 1000, Checksum: "deadbeef"},
		},
		{
			name:     "no content",
			status:   http.StatusNoContent,
			wantKind: transfer.KindNoMoreFiles,
		},
		{
			name:     "empty body",
			status:   http.StatusOK,
			body:     "  ",
			wantKind: transfer.KindNoMoreFiles,
		},
		{
			name:     "structured no more files message",
			status:   http.StatusOK,
			body:     `{"message":"No more files to download"}`,
			wantKind: transfer.KindNoMoreFiles,
		},
		{
			name:     "missing file name",
			status:   http.StatusOK,
			body:     `{"fileLength":10}`,
			wantKind: transfer.KindUnknown,
		},
		{
			name:     "malformed json",
			status:   http.StatusOK,
			body:     `{"fileName":`,
			wantKind: transfer.KindUnknown,
		},
		{
			name:     "not found",
			status:   http.StatusNotFound,
			wantKind: transfer.KindClientError,
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     "upstream down",
			wantKind: transfer.KindServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/getNextFile", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			got, err := c.NextFileMetadata(context.Background())
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, transfer.KindOf(err))
				assert.Nil(t, got)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextFileMetadata_ServerErrorKeepsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.NextFileMetadata(context.Background())

	var te *transfer.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Equal(t, "boom", te.Message)
}

func TestNextFileMetadata_NoBaseURL(t *testing.T) {
	c := NewClient(nil)

	_, err := c.NextFileMetadata(context.Background())
	require.Error(t, err)
	assert.Equal(t, transfer.KindUnknown, transfer.KindOf(err))
	assert.Contains(t, err.Error(), "base url is not set")
}

func TestNextFileMetadata_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewClient(nil)
	c.SetBaseURL("http://" + addr)

	_, err = c.NextFileMetadata(context.Background())
	require.Error(t, err)
	assert.Equal(t, transfer.KindNetworkConnection, transfer.KindOf(err))
}

func TestNextFileMetadata_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.NextFileMetadata(ctx)
	require.Error(t, err)
	assert.Equal(t, transfer.KindCancelled, transfer.KindOf(err))
}

func TestDownloadFile(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		startByte int64
		wantPath  string
		wantRange string
		status    int
	}{
		{
			name:     "full download",
			fileName: "a.bin",
			wantPath: "/getFile/a.bin",
			status:   http.StatusOK,
		},
		{
			name:      "resume",
			fileName:  "a.bin",
			startByte: 400,
			wantPath:  "/getFile/a.bin",
			wantRange: "bytes=400-",
			status:    http.StatusPartialContent,
		},
		{
			name:      "status is forwarded untouched",
			fileName:  "dir/my file.bin",
			startByte: 1000,
			wantPath:  "/getFile/dir/my%20file.bin",
			wantRange: "bytes=1000-",
			status:    http.StatusRequestedRangeNotSatisfiable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.EscapedPath())
				assert.Equal(t, tt.wantRange, r.Header.Get("Range"))
				w.Header().Set("X-Test", "yes")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "payload")
			})

			resp, err := c.DownloadFile(context.Background(), tt.fileName, tt.startByte)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "yes", resp.Header.Get("X-Test"))
		})
	}
}

func TestReportSuccess(t *testing.T) {
	t.Run("returns message", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status/success/my%20file.bin", r.URL.EscapedPath())
			_, _ = io.WriteString(w, "stored my file.bin\n")
		})

		msg, err := c.ReportSuccess(context.Background(), "my file.bin")
		require.NoError(t, err)
		assert.Equal(t, "stored my file.bin", msg)
	})

	t.Run("classifies failures", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})

		_, err := c.ReportSuccess(context.Background(), "a.bin")
		require.Error(t, err)
		assert.Equal(t, transfer.KindClientError, transfer.KindOf(err))
	})
}

func TestInstrumentedClient(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	c := NewInstrumentedClient(newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/getNextFile":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}), tel)

	_, err = c.NextFileMetadata(context.Background())
	assert.Equal(t, transfer.KindNoMoreFiles, transfer.KindOf(err))

	resp, err := c.DownloadFile(context.Background(), "a.bin", 0)
	require.NoError(t, err, "a 5xx file response is returned, not converted to an error")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewHTTPClientSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(NewHTTPClient(HTTPConfig{Token: "secret"}))
	c.SetBaseURL(server.URL)

	_, err := c.NextFileMetadata(context.Background())
	assert.Equal(t, transfer.KindNoMoreFiles, transfer.KindOf(err))
}
