package report

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec indicates a report request could not be honoured
var ErrInvalidSpec = errors.New("invalid report spec")

// ValidationError describes which part of a ReportSpec was rejected
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report spec: %s: %s", e.Field, e.Reason)
}

// Is allows error comparison
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSpec
}
