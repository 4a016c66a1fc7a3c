package config

import (
	"errors"
	"fmt"
)

// Configuration error kinds.
var (
	ErrInvalidChunkSize   = errors.New("invalid chunk size")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrInvalidURL         = errors.New("invalid URL")
	ErrInvalidConcurrency = errors.New("invalid concurrency")
)

// ConfigurationError names the offending setting.
type ConfigurationError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("config %s: %v: %s", e.Field, e.Kind, e.Detail)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Kind)
}

func (e *ConfigurationError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}
