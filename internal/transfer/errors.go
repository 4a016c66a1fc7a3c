package transfer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPartiallyFailed matches every PartialFailureError.
	ErrPartiallyFailed = errors.New("transfer partially failed")

	// ErrRegistrationIncomplete matches a PartialFailureError where every
	// chunk reached the block store but some registrations failed.
	ErrRegistrationIncomplete = errors.New("chunk registration incomplete")
)

// ChunkFailure describes one chunk that did not complete.
type ChunkFailure struct {
	Index     int
	StorageID string
	Attempts  int
	Err       error
}

// PartialFailureError lists the chunks of a file that failed. Failed holds
// transfer failures; Unregistered holds chunks that were stored but whose
// registration failed.
type PartialFailureError struct {
	Op           string
	FileID       string
	Failed       []ChunkFailure
	Unregistered []ChunkFailure
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: ", e.Op, e.FileID)
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, "%d chunk(s) failed %v", len(e.Failed), e.FailedIndices())
	}
	if len(e.Unregistered) > 0 {
		if len(e.Failed) > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d chunk(s) not registered %v", len(e.Unregistered), e.UnregisteredIndices())
	}
	if first := e.firstErr(); first != nil {
		fmt.Fprintf(&b, ": %v", first)
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool {
	switch target {
	case ErrPartiallyFailed:
		return true
	case ErrRegistrationIncomplete:
		return len(e.Failed) == 0 && len(e.Unregistered) > 0
	}
	return false
}

// Unwrap exposes the per-chunk errors to errors.Is and errors.As.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+len(e.Unregistered))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	for _, f := range e.Unregistered {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *PartialFailureError) FailedIndices() []int {
	return indices(e.Failed)
}

func (e *PartialFailureError) UnregisteredIndices() []int {
	return indices(e.Unregistered)
}

func (e *PartialFailureError) firstErr() error {
	if len(e.Failed) > 0 {
		return e.Failed[0].Err
	}
	if len(e.Unregistered) > 0 {
		return e.Unregistered[0].Err
	}
	return nil
}

func indices(fs []ChunkFailure) []int {
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = f.Index
	}
	return out
}
