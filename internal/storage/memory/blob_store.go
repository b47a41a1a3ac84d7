package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/psi-tools/psiproxy/internal/report"
)

// BlobStore stores payloads in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Put persists the content and returns a memory:// URI.
func (s *BlobStore) Put(_ context.Context, key string, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), b...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns the bytes stored under key. Accepts either the bare key or the
// memory:// URI returned by Put.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	key = strings.TrimPrefix(key, "memory://")
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[key]
	if !ok {
		return nil, report.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}
