package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const chunkSize = 32 * 1024

// Algorithm names a digest function.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
)

// MismatchError is returned when a file's digest differs from the expected one.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// AlgorithmFor guesses the algorithm from the length of a hex digest.
// Anything that is not a SHA-256 digest is treated as MD5, the backend's default.
func AlgorithmFor(expected string) Algorithm {
	if len(strings.TrimSpace(expected)) == sha256.Size*2 {
		return SHA256
	}

	return MD5
}

// Digest returns the lowercase hex MD5 of the file at path.
func Digest(ctx context.Context, path string) (string, error) {
	return DigestWith(ctx, path, MD5)
}

// DigestWith streams the file at path through the given algorithm.
func DigestWith(ctx context.Context, path string, algo Algorithm) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return "", fmt.Errorf("failed to read file: %w", readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify computes the digest of path and compares it with expected.
// A blank expected value skips the comparison; the computed MD5 is still returned.
func Verify(ctx context.Context, path, expected string) (string, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))

	actual, err := DigestWith(ctx, path, AlgorithmFor(expected))
	if err != nil {
		return "", err
	}

	if expected != "" && actual != expected {
		return actual, &MismatchError{Expected: expected, Actual: actual}
	}

	return actual, nil
}

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
}
