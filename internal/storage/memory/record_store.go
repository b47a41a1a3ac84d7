// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/psi-tools/psiproxy/internal/report"
)

// RecordStore is a mutex-serialized in-memory report.RecordStore.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]report.Record
	idGen   report.IDGenerator
	clock   report.Clock
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore(idGen report.IDGenerator, clock report.Clock) *RecordStore {
	return &RecordStore{
		records: make(map[string]report.Record),
		idGen:   idGen,
		clock:   clock,
	}
}

// Create allocates a publicId and stores a pending record.
func (s *RecordStore) Create(_ context.Context, url string, formFactor report.FormFactor) (report.Record, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return report.Record{}, &report.StorageError{Op: "create", Err: err}
	}
	rec := report.Record{
		PublicID:   id,
		URL:        url,
		FormFactor: formFactor,
		CreatedAt:  s.clock.Now(),
		Status:     report.StatusPending,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return rec, nil
}

// UpdateStatus applies a partial update by publicId.
func (s *RecordStore) UpdateStatus(_ context.Context, publicID string, upd report.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[publicID]
	if !ok {
		return report.ErrNotFound
	}
	rec.Status = upd.Status
	if upd.ProcessingStartedAt != nil {
		ts := *upd.ProcessingStartedAt
		rec.ProcessingStartedAt = &ts
	}
	if upd.ClearProcessingStartedAt {
		rec.ProcessingStartedAt = nil
	}
	if upd.ResultLocation != nil {
		rec.ResultLocation = *upd.ResultLocation
	}
	if upd.ResultPayload != nil {
		if len(*upd.ResultPayload) == 0 {
			rec.ResultPayload = nil
		} else {
			rec.ResultPayload = append(json.RawMessage(nil), *upd.ResultPayload...)
		}
	}
	s.records[publicID] = rec
	return nil
}

// GetByURL returns the newest record for url created at or after since.
func (s *RecordStore) GetByURL(_ context.Context, url string, since time.Time) (report.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best report.Record
	found := false
	for _, rec := range s.records {
		if rec.URL != url || rec.CreatedAt.Before(since) {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return report.Record{}, report.ErrNotFound
	}
	return best, nil
}

// GetByPublicID fetches a record by its public identifier.
func (s *RecordStore) GetByPublicID(_ context.Context, publicID string) (report.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[publicID]
	if !ok {
		return report.Record{}, report.ErrNotFound
	}
	return rec, nil
}

// ListStuckProcessing returns processing records older than maxAge.
func (s *RecordStore) ListStuckProcessing(_ context.Context, maxAge time.Duration) ([]report.Record, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stuck []report.Record
	for _, rec := range s.records {
		if rec.Status != report.StatusProcessing || rec.ProcessingStartedAt == nil {
			continue
		}
		if rec.ProcessingStartedAt.Before(cutoff) {
			stuck = append(stuck, rec)
		}
	}
	return stuck, nil
}

// ListAll returns payload-free summaries of every record.
func (s *RecordStore) ListAll(_ context.Context) ([]report.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]report.Summary, 0, len(s.records))
	for _, rec := range s.records {
		summaries = append(summaries, report.Summarize(rec))
	}
	return summaries, nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *RecordStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}
