package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	opNextFile      = "get_next_file"
	opDownloadFile  = "get_file"
	opReportSuccess = "report_success"

	// maxErrorBody caps how much of an error response ends up in messages.
	maxErrorBody = 512
	// maxMetadataBody caps the metadata document.
	maxMetadataBody = 1 << 20
)

// HTTPConfig tunes the transport used to reach the file server.
type HTTPConfig struct {
	Token           string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// NewHTTPClient builds a traced HTTP client. There is no overall request
// timeout because file bodies can take arbitrarily long to stream; the
// connect and response-header timeouts bound stalls instead.
func NewHTTPClient(cfg HTTPConfig) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.ConnectTimeout > 0 {
		base.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		base.TLSHandshakeTimeout = cfg.ConnectTimeout
	}

	if cfg.ResponseTimeout > 0 {
		base.ResponseHeaderTimeout = cfg.ResponseTimeout
	}

	var rt http.RoundTripper = base
	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}

	return &http.Client{Transport: otelhttp.NewTransport(rt)}
}

// Client speaks the three-endpoint file server protocol. The base URL is
// user input and can change at runtime; it is read before every request.
type Client struct {
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
}

// NewClient creates a client with no base URL configured.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{httpClient: httpClient}
}

// SetBaseURL updates the endpoint and reports whether it changed.
func (c *Client) SetBaseURL(raw string) bool {
	normalized := strings.TrimRight(strings.TrimSpace(raw), "/")

	c.mu.Lock()
	defer c.mu.Unlock()

	if normalized == c.baseURL {
		return false
	}

	c.baseURL = normalized

	return true
}

// BaseURL returns the current endpoint.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseURL
}

// NextFileMetadata asks the server which file to fetch next.
func (c *Client) NextFileMetadata(ctx context.Context) (*transfer.FileMetadata, error) {
	logger := logctx.LoggerFromContext(ctx)

	resp, err := c.get(ctx, opNextFile, "/getNextFile", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, noMoreFiles()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, transfer.StatusError(opNextFile, resp.StatusCode, readSnippet(resp.Body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return nil, transfer.TransportError(ctx, opNextFile, err)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, noMoreFiles()
	}

	var payload struct {
		transfer.FileMetadata
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &transfer.Error{
			Kind:      transfer.KindUnknown,
			Operation: opNextFile,
			Message:   "invalid metadata response",
			Err:       err,
		}
	}

	if payload.FileName == "" {
		if isNoMoreFilesMessage(payload.Message) {
			return nil, noMoreFiles()
		}

		return nil, &transfer.Error{
			Kind:      transfer.KindUnknown,
			Operation: opNextFile,
			Message:   "metadata response has no file name",
		}
	}

	logger.Debug("received file metadata", "file_name", payload.FileName, "file_length", payload.FileLength)

	return &payload.FileMetadata, nil
}

// DownloadFile requests a file, asking for a byte range when startByte > 0.
// The status is not interpreted; only transport failures return an error.
func (c *Client) DownloadFile(ctx context.Context, fileName string, startByte int64) (*transfer.Response, error) {
	header := http.Header{}
	if startByte > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}

	resp, err := c.get(ctx, opDownloadFile, "/getFile/"+EscapePath(fileName), header)
	if err != nil {
		return nil, err
	}

	return &transfer.Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// ReportSuccess tells the server a file was stored and returns its free-text reply.
func (c *Client) ReportSuccess(ctx context.Context, fileName string) (string, error) {
	resp, err := c.get(ctx, opReportSuccess, "/status/success/"+EscapePath(fileName), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", transfer.StatusError(opReportSuccess, resp.StatusCode, readSnippet(resp.Body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return "", transfer.TransportError(ctx, opReportSuccess, err)
	}

	return strings.TrimSpace(string(body)), nil
}

func (c *Client) get(ctx context.Context, operation, path string, header http.Header) (*http.Response, error) {
	base := c.BaseURL()
	if base == "" {
		return nil, &transfer.Error{Kind: transfer.KindUnknown, Operation: operation, Message: "base url is not set"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, &transfer.Error{Kind: transfer.KindUnknown, Operation: operation, Message: "invalid base url", Err: err}
	}

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transfer.TransportError(ctx, operation, err)
	}

	return resp, nil
}

// EscapePath percent-encodes each segment of name and keeps the separating slashes.
// Every endpoint uses it so a name maps to the same path everywhere.
func EscapePath(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

func noMoreFiles() *transfer.Error {
	return &transfer.Error{Kind: transfer.KindNoMoreFiles, Operation: opNextFile, Message: "no more files"}
}

func isNoMoreFilesMessage(msg string) bool {
	msg = strings.ToLower(msg)

	return strings.Contains(msg, "no more files") || strings.Contains(msg, "no files")
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))

	return strings.TrimSpace(string(b))
}
