package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/filequeue/internal/storage"
)

const defaultListLimit = 100

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// RecordDownload appends an audit record for a committed file.
func (r *DownloadRepository) RecordDownload(ctx context.Context, rec storage.DownloadRecord) error {
	downloadedAt := rec.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now()
	}

	var aux sql.NullFloat64
	if rec.AuxMetric != nil {
		aux = sql.NullFloat64{Float64: *rec.AuxMetric, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (file_name, file_url, size, duration_ms, checksum, aux_metric, location, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FileName, rec.FileURL, rec.Size, rec.DurationMs, rec.Checksum, aux, rec.Location,
		downloadedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert download record: %w", err)
	}

	return nil
}

// ListDownloads returns the most recent records first.
func (r *DownloadRepository) ListDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_name, file_url, size, duration_ms, checksum, aux_metric, location, downloaded_at
		FROM downloads
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record       storage.DownloadRecord
			aux          sql.NullFloat64
			downloadedAt string
		)

		if err := rows.Scan(
			&record.ID, &record.FileName, &record.FileURL, &record.Size, &record.DurationMs,
			&record.Checksum, &aux, &record.Location, &downloadedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan download record: %w", err)
		}

		if aux.Valid {
			v := aux.Float64
			record.AuxMetric = &v
		}

		record.DownloadedAt, _ = time.Parse(time.RFC3339Nano, downloadedAt)

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
