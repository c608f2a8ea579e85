package export

import (
	"errors"
	"fmt"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// ErrExport indicates a report could not be serialized or written
var ErrExport = errors.New("report export failed")

// ExportError describes a failed export or decode
type ExportError struct {
	Format models.Format
	Path   string // empty for in-memory encoding
	Op     string // encode, decode or write
	Err    error
}

// Error implements the error interface
func (e *ExportError) Error() string {
	msg := fmt.Sprintf("report %s failed", e.Op)
	if e.Format != "" {
		msg += fmt.Sprintf(" (%s)", e.Format)
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ExportError) Unwrap() error {
	return e.Err
}

// Is allows error comparison
func (e *ExportError) Is(target error) bool {
	return target == ErrExport
}
