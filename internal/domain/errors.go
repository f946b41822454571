package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProvider          = errors.New("embedding provider error")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrIndexCorruption   = errors.New("index corrupted")
	ErrIncompatibleIndex = errors.New("index incompatible with embedding model")
	ErrNotFound          = errors.New("index not found")

	ErrEmptyQuery  = fmt.Errorf("%w: missing 'query' field", ErrInvalidInput)
	ErrMissingText = fmt.Errorf("%w: missing 'text' field", ErrInvalidInput)
)

// ProviderError describes a failed call to the embedding provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s returned status %d: %s", ErrProvider, e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrProvider, e.Provider, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// DimensionError reports a vector whose length differs from the index dimension.
func DimensionError(expected, got int) error {
	return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, expected, got)
}
