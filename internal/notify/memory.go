package notify

import (
	"context"
	"sync"

	"github.com/psi-tools/psiproxy/internal/report"
)

// MemoryPublisher records events in-memory for development and tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []report.Event
}

// NewMemory creates a MemoryPublisher.
func NewMemory() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends the event.
func (p *MemoryPublisher) Publish(_ context.Context, event report.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []report.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]report.Event(nil), p.events...)
}

// NoopPublisher discards events; used when Pub/Sub is not configured.
type NoopPublisher struct{}

// Publish does nothing.
func (NoopPublisher) Publish(context.Context, report.Event) error {
	return nil
}
