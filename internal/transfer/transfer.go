package transfer

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FileMetadata describes the next file the backend wants delivered.
// FileLength is advisory and only used for progress reporting.
type FileMetadata struct {
	FileName   string `json:"fileName"`
	FileLength int64  `json:"fileLength"`
	Checksum   string `json:"checkSum"`
}

// Task is one unit of work handed to the executor.
type Task struct {
	Metadata  FileMetadata `json:"metadata"`
	BaseURL   string       `json:"base_url"`
	StartByte int64        `json:"start_byte"`
}

// Response is the raw answer to a file request. Status and headers are
// forwarded untouched so the executor can tell 200, 206 and 416 apart.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// Result is returned by the executor when a file was verified and committed.
type Result struct {
	Location         string
	BytesTransferred int64
	Size             int64
	Checksum         string
	Duration         time.Duration
}

// Fetcher issues range-aware file requests.
type Fetcher interface {
	DownloadFile(ctx context.Context, fileName string, startByte int64) (*Response, error)
}

// Backend is the full wire protocol of the file server.
type Backend interface {
	Fetcher
	NextFileMetadata(ctx context.Context) (*FileMetadata, error)
	ReportSuccess(ctx context.Context, fileName string) (string, error)
}

// Committer moves a verified staging file into durable storage and returns its location.
// Implementations must tolerate being called again for the same file.
type Committer interface {
	Commit(ctx context.Context, path, fileName string) (string, error)
}

// ProgressFunc receives throttled progress percentages.
type ProgressFunc func(percent int)
