package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrTransient - sink or message store unreachable (retried on the next cycle, never fatal)
	ErrTransient = errors.New("transient error")

	// ErrNotFound - resource not found (missing sink row, unknown group)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - invalid configuration or request
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict - conflicting write or duplicate record
	ErrConflict = errors.New("conflict")

	// ErrCorruptState - persisted store file unreadable (fatal at startup, recover by reinitializing)
	ErrCorruptState = errors.New("corrupt state")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
