// Package apperr defines the error kinds surfaced by the assembly core and
// the sentinel errors that map onto them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the boundary layer
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindIncompleteData
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindIncompleteData:
		return "incomplete_data"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is a sentinel carrying its kind
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error kind
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrInvalidChunk      = newError(KindValidation, "invalid chunk")
	ErrSizeMismatch      = newError(KindValidation, "size mismatch")
	ErrInconsistentChunk = newError(KindValidation, "chunk metadata does not match file")
	ErrDuplicateKey      = newError(KindConflict, "duplicate key")
	ErrDuplicateFile     = newError(KindConflict, "file id already in use")
	ErrNotFound          = newError(KindNotFound, "not found")
	ErrIncompleteRange   = newError(KindIncompleteData, "incomplete chunk range")
	ErrUploadFailed      = newError(KindBackend, "upload failed")
	ErrStorage           = newError(KindBackend, "storage error")
)

// KindOf returns the kind of the first *Error found in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Wrap annotates cause with sentinel so that errors.Is(result, sentinel) holds
// and the cause stays reachable through errors.Unwrap.
func Wrap(sentinel *Error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinel, cause)
}
