package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/italolelis/filequeue/internal/logctx"
	"gocloud.dev/blob"

	// Bucket drivers selectable through BUCKET_URL.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// sniffLen is how many leading bytes filetype needs to recognise a format.
const sniffLen = 262

// Store commits verified files into a blob bucket.
type Store struct {
	bucket    *blob.Bucket
	prefix    string
	bucketURL string
}

// Open opens the bucket behind a URL such as file:///data, mem:// or s3://bucket?region=...
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}

	return New(bkt, bucketURL, prefix), nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket, bucketURL, prefix string) *Store {
	return &Store{
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		bucketURL: bucketURL,
	}
}

// Key returns the object key a file name is stored under.
func (s *Store) Key(fileName string) string {
	name := strings.TrimLeft(path.Clean("/"+filepath.ToSlash(fileName)), "/")
	if s.prefix == "" {
		return name
	}

	return s.prefix + "/" + name
}

// Commit uploads the file at localPath. Uploading the same name again
// overwrites the previous object, so a retried commit is harmless.
func (s *Store) Commit(ctx context.Context, localPath, fileName string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	contentType, err := detectContentType(f, fileName)
	if err != nil {
		return "", err
	}

	key := s.Key(fileName)

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to create writer: %w", err)
	}

	written, copyErr := io.Copy(w, f)
	closeErr := w.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	location := s.location(key)

	logger.Info("committed file", "key", key, "bytes", written, "content_type", contentType)

	return location, nil
}

// location renders the object as a URL under the bucket, without driver query parameters.
func (s *Store) location(key string) string {
	u, err := url.Parse(s.bucketURL)
	if err != nil {
		return key
	}

	u.Path = path.Join("/", u.Path, key)
	u.RawQuery = ""

	return u.String()
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// detectContentType sniffs the file header and falls back to the extension.
func detectContentType(f *os.File, fileName string) (string, error) {
	head := make([]byte, sniffLen)

	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read staging file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind staging file: %w", err)
	}

	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value, nil
	}

	if byExt := mime.TypeByExtension(filepath.Ext(fileName)); byExt != "" {
		return byExt, nil
	}

	return "application/octet-stream", nil
}
