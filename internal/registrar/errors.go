package registrar

import (
	"errors"
	"fmt"
)

// Registration error kinds.
var (
	// ErrAuthFailed means the metadata service rejected the bearer token.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound means the file (or its chunk list) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNetwork covers connection failures, unexpected statuses and
	// undecodable responses.
	ErrNetwork = errors.New("metadata service unavailable")
)

// RegistrationError is returned by every Registrar call that fails.
type RegistrationError struct {
	Kind   error
	Op     string
	FileID string
	Status int
	Err    error
}

func (e *RegistrationError) Error() string {
	msg := e.Op
	if e.FileID != "" {
		msg += " " + e.FileID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

func (e *RegistrationError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}
