package core

import (
	"errors"
	"fmt"

	"github.com/ideanote/ideabot/internal/store"
)

var (
	// ErrValidation marks bad user input: delays, indexes, stale tokens. Nothing is mutated.
	ErrValidation = errors.New("validation failed")
	// ErrGeneration marks a failed article generation; the user may retry.
	ErrGeneration = errors.New("generation failed")
	// ErrNotFound aliases the store error so callers need not import store.
	ErrNotFound = store.ErrNotFound
)

// ValidationError carries the message shown to the user.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
