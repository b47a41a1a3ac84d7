// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/psi-tools/psiproxy/internal/report"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Retention is attached to each object as an expiry hint for lifecycle
	// rules. Zero disables the hint.
	Retention time.Duration
}

// BlobStore writes report payloads to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	retention time.Duration
	now       func() time.Time
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		retention: cfg.Retention,
		now:       time.Now,
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI. The
// object's CustomTime carries the expiry hint consumed by bucket lifecycle
// rules.
func (s *BlobStore) Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.retention > 0 {
		expires := s.now().UTC().Add(s.retention)
		writer.CustomTime = expires
		writer.Metadata = map[string]string{
			"expires-at": expires.Format(time.RFC3339),
		}
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", &report.StorageError{Op: "write blob", Err: fmt.Errorf("%w (close writer: %v)", err, closeErr)}
		}
		return "", &report.StorageError{Op: "write blob", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &report.StorageError{Op: "finalize blob", Err: err}
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Get fetches the raw bytes previously stored under key. Accepts either the
// bare object key or the gs:// URI returned by Put.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimPrefix(key, fmt.Sprintf("gs://%s/", s.bucket))
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, report.ErrNotFound
		}
		return nil, &report.StorageError{Op: "open blob", Err: err}
	}
	defer reader.Close() //nolint:errcheck

	b, err := io.ReadAll(reader)
	if err != nil {
		return nil, &report.StorageError{Op: "read blob", Err: err}
	}
	return b, nil
}
