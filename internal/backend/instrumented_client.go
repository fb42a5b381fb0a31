package backend

import (
	"context"

	"github.com/italolelis/filequeue/internal/telemetry"
	"github.com/italolelis/filequeue/internal/transfer"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	*Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented file server client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		Client:    client,
		telemetry: tel,
	}
}

// NextFileMetadata fetches the next file metadata with telemetry.
// The end of the queue is not counted as an error.
func (c *InstrumentedClient) NextFileMetadata(ctx context.Context) (*transfer.FileMetadata, error) {
	var result *transfer.FileMetadata

	var err error

	_ = c.telemetry.InstrumentBackendOperation(ctx, opNextFile, func(ctx context.Context) error {
		result, err = c.Client.NextFileMetadata(ctx)
		if transfer.KindOf(err) == transfer.KindNoMoreFiles {
			return nil
		}

		return err
	})

	return result, err
}

// DownloadFile opens a file stream with telemetry.
func (c *InstrumentedClient) DownloadFile(ctx context.Context, fileName string, startByte int64) (*transfer.Response, error) {
	var result *transfer.Response

	err := c.telemetry.InstrumentBackendOperation(ctx, opDownloadFile, func(ctx context.Context) error {
		var err error

		result, err = c.Client.DownloadFile(ctx, fileName, startByte)
		if err != nil {
			return err
		}

		// The executor interprets the status; this only marks the span.
		if result.StatusCode >= 500 {
			return transfer.StatusError(opDownloadFile, result.StatusCode, "")
		}

		return nil
	})
	if result == nil {
		return nil, err
	}

	return result, nil
}

// ReportSuccess reports a stored file with telemetry.
func (c *InstrumentedClient) ReportSuccess(ctx context.Context, fileName string) (string, error) {
	var result string

	err := c.telemetry.InstrumentBackendOperation(ctx, opReportSuccess, func(ctx context.Context) error {
		var err error

		result, err = c.Client.ReportSuccess(ctx, fileName)

		return err
	})

	return result, err
}
