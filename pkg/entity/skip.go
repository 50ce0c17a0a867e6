package entity

import (
	"errors"
	"fmt"
)

// SkipError signals that a raw resource intentionally yields no entity.
// It is a normal outcome of normalization, not a failure.
type SkipError struct {
	Resource string
	Reason   string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip %s: %s", e.Resource, e.Reason)
}

// Skip returns a SkipError for the given resource.
func Skip(resource, reason string) error {
	return &SkipError{Resource: resource, Reason: reason}
}

// IsSkip reports whether err is, or wraps, a SkipError.
func IsSkip(err error) bool {
	var skip *SkipError
	return errors.As(err, &skip)
}
