package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for history persistence
var (
	// ErrCorruptData indicates persisted history failed validation
	ErrCorruptData = errors.New("corrupt history data")

	// ErrPersistence indicates a backend could not read or write history
	ErrPersistence = errors.New("history persistence failed")

	// ErrNoBackup indicates no backup snapshot exists
	ErrNoBackup = errors.New("no history backup available")
)

// CorruptDataError describes why a persisted snapshot was rejected
type CorruptDataError struct {
	Source string // Backend location, e.g. a file path or table name
	Index  int    // Record index, -1 for document level problems
	Field  string // Offending field, empty when not field specific
	Reason string
	Err    error // Underlying decode error, if any
}

// Error implements the error interface
func (e *CorruptDataError) Error() string {
	msg := fmt.Sprintf("corrupt history data in %s", e.Source)
	if e.Index >= 0 {
		msg += fmt.Sprintf(": record %d", e.Index)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %s", e.Field)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// Is allows error comparison
func (e *CorruptDataError) Is(target error) bool {
	return target == ErrCorruptData
}

// PersistenceError wraps a backend failure during load or save
type PersistenceError struct {
	Backend   string
	Operation string
	Err       error
}

// Error implements the error interface
func (e *PersistenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend failed during %s: %v", e.Backend, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s backend failed during %s", e.Backend, e.Operation)
}

// Unwrap implements error unwrapping
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is allows error comparison
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// NewPersistenceError builds a PersistenceError for the named backend and operation
func NewPersistenceError(backend, operation string, err error) *PersistenceError {
	return &PersistenceError{Backend: backend, Operation: operation, Err: err}
}
