package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies intake pipeline failures.
type ErrorKind int

const (
	ErrInvalidInput ErrorKind = iota
	ErrDuplicatePackage
	ErrInvalidArchive
	ErrArchiveTooLarge
	ErrMaliciousContent
	ErrStorageFailure
	ErrNotFound
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrDuplicatePackage:
		return "DuplicatePackage"
	case ErrInvalidArchive:
		return "InvalidArchive"
	case ErrArchiveTooLarge:
		return "ArchiveTooLarge"
	case ErrMaliciousContent:
		return "MaliciousContent"
	case ErrStorageFailure:
		return "StorageFailure"
	case ErrNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// PipelineError is the error type surfaced by intake and scanning.
// Files carries the offending entry names for MaliciousContent.
type PipelineError struct {
	Kind  ErrorKind
	Files []string
	Err   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("[%s] %v: %v", e.Kind, e.Files, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s]", e.Kind)
}

// Unwrap returns the wrapped error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError builds a PipelineError wrapping err.
func NewError(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

// NewErrorf builds a PipelineError from a format string.
func NewErrorf(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or StorageFailure for
// unclassified errors so callers always have a taxonomy bucket.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrStorageFailure
}

// IsKind reports whether err is a PipelineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Kind == kind
}

// OffendingFiles returns the entry names attached to err, if any.
func OffendingFiles(err error) []string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Files
	}
	return nil
}

// Engine-level sentinel errors. The orchestrator recovers from these
// locally; they are never surfaced as a request failure.
var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrEngineTimeout     = errors.New("engine timeout")
)
