// Package uuid provides public identifier generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator mints random UUIDv4 strings used as public report identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a random UUID string. IDs are opaque to clients and never
// reused.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
