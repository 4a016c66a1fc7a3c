package storage

import (
	"errors"
	"fmt"
)

// Transport error kinds. Use errors.Is(err, ErrXxx) to classify a failure.
var (
	// ErrExhausted means every allowed attempt failed.
	ErrExhausted = errors.New("retries exhausted")

	// ErrNotFound means the block store has no chunk with the requested id.
	// It is never retried.
	ErrNotFound = errors.New("chunk not found")

	// ErrNetwork means the operation was aborted before its attempts were used up
	// (the request could not be built, or the context ended during backoff),
	// or a single-attempt call failed.
	ErrNetwork = errors.New("network error")
)

// TransportError is the typed outcome of a failed chunk transfer.
type TransportError struct {
	// Kind is one of ErrExhausted, ErrNotFound or ErrNetwork.
	Kind error
	// Op is "upload", "download", "delete" or "health".
	Op string
	// StorageID is the chunk involved, if any.
	StorageID string
	// Attempts is how many requests were issued.
	Attempts int
	// Err is the last underlying error.
	Err error
}

func (e *TransportError) Error() string {
	if e.StorageID != "" {
		return fmt.Sprintf("%s %s: %v after %d attempt(s): %v", e.Op, e.StorageID, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// StatusError is returned for non-2xx responses from the block store.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}
