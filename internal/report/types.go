// Package report defines core types shared across subsystems.
package report

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Status represents the lifecycle state of a report record.
type Status string

// Report status values persisted in the record store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FormFactor identifies which simulated device the upstream API should emulate.
type FormFactor string

// Form factors requested from the upstream API. FormFactorAll is the marker
// recorded on a record whose run covers both device classes.
const (
	FormFactorMobile  FormFactor = "MOBILE"
	FormFactorDesktop FormFactor = "DESKTOP"
	FormFactorAll     FormFactor = "ALL"
)

// Record is the durable unit of state tracking one analysis request.
type Record struct {
	// PublicID is the opaque, externally shareable identifier and the only
	// lookup key ever exposed to clients.
	PublicID string `json:"publicId"`
	// URL is the analysis target. Not unique; one URL accrues many
	// historical records.
	URL        string     `json:"url"`
	FormFactor FormFactor `json:"formFactor"`
	CreatedAt  time.Time  `json:"createdAt"`
	Status     Status     `json:"status"`
	// ProcessingStartedAt is non-nil exactly while Status is processing.
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	// ResultLocation is the blob URI of the stored payload; non-empty exactly
	// when Status is completed.
	ResultLocation string `json:"resultLocation,omitempty"`
	// ResultPayload carries the structured failure description for failed
	// records; empty otherwise.
	ResultPayload json.RawMessage `json:"resultPayload,omitempty"`
}

// Terminal reports whether the record can no longer transition automatically.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Summary is the payload-free projection returned by listing endpoints.
type Summary struct {
	PublicID       string     `json:"publicId"`
	URL            string     `json:"url"`
	FormFactor     FormFactor `json:"formFactor"`
	CreatedAt      time.Time  `json:"createdAt"`
	Status         Status     `json:"status"`
	ResultLocation string     `json:"resultLocation,omitempty"`
}

// Summarize strips the payload fields from a record.
func Summarize(r Record) Summary {
	return Summary{
		PublicID:       r.PublicID,
		URL:            r.URL,
		FormFactor:     r.FormFactor,
		CreatedAt:      r.CreatedAt,
		Status:         r.Status,
		ResultLocation: r.ResultLocation,
	}
}

// StatusUpdate is a partial update applied to one record by public ID.
// Nil fields are left untouched; explicit clear flags null out the
// processing timestamp and inline payload.
type StatusUpdate struct {
	Status Status
	// ProcessingStartedAt, when set, replaces the stored value. Use
	// ClearProcessingStartedAt to null it out.
	ProcessingStartedAt      *time.Time
	ClearProcessingStartedAt bool
	// ResultLocation, when non-nil, replaces the stored blob URI.
	ResultLocation *string
	// ResultPayload, when non-nil, replaces the stored inline payload.
	// An empty RawMessage clears it.
	ResultPayload *json.RawMessage
}

// FailurePayload is the structured error description persisted inline on
// failed records.
type FailurePayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// RecordStore is the durable, serialized table of report records. All
// mutations to a given record are strictly ordered; callers never hold a
// shared mutable reference across concurrent paths.
type RecordStore interface {
	// Create allocates a publicId and persists a pending record.
	Create(ctx context.Context, url string, formFactor FormFactor) (Record, error)
	// UpdateStatus applies a partial update by publicId, returning
	// ErrNotFound when no record matches.
	UpdateStatus(ctx context.Context, publicID string, upd StatusUpdate) error
	// GetByURL returns the newest record for url with CreatedAt >= since,
	// or ErrNotFound.
	GetByURL(ctx context.Context, url string, since time.Time) (Record, error)
	// GetByPublicID returns the record or ErrNotFound.
	GetByPublicID(ctx context.Context, publicID string) (Record, error)
	// ListStuckProcessing returns every processing record whose
	// ProcessingStartedAt is older than maxAge.
	ListStuckProcessing(ctx context.Context, maxAge time.Duration) ([]Record, error)
	// ListAll returns payload-free summaries of every record.
	ListAll(ctx context.Context) ([]Summary, error)
	// DeleteOlderThan removes records created before cutoff and reports the
	// exact count removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlobStore persists large result payloads addressed by a derived key.
type BlobStore interface {
	// Put uploads the content under key and returns the blob URI.
	Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	// Get fetches the raw bytes previously stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Analyzer fetches one device class's analysis result from the upstream API.
type Analyzer interface {
	Analyze(ctx context.Context, url string, formFactor FormFactor) (json.RawMessage, error)
}

// Publisher emits an event when a record reaches a terminal status.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Event is the terminal-transition notification payload.
type Event struct {
	PublicID string `json:"publicId"`
	URL      string `json:"url"`
	Status   Status `json:"status"`
}

// Clock abstracts wall-clock time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints public identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
