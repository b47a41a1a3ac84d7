package report

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record or blob does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnauthorized signals a missing or invalid shared secret.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the upstream analysis API. The body is
// carried verbatim; it is terminal for the job, not a transport fault.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api status %d: %s", e.StatusCode, e.Body)
}

// TransportError is a network-level failure reaching the upstream API.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StorageError wraps durable-store or blob-store I/O failures. Fatal to the
// current operation; never retried internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
