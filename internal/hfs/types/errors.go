package types

import (
	"errors"
	"fmt"
)

// Common errors returned by the allocation engine and its collaborators
var (
	// Request errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrReadOnly        = errors.New("volume is read-only")
	ErrNotMounted      = errors.New("volume not mounted")

	// Space errors
	ErrOutOfSpace = errors.New("no free space available")

	// Block device errors
	ErrIOError          = errors.New("I/O error")
	ErrInvalidBlockAddr = errors.New("invalid block address")
	ErrUnmapUnsupported = errors.New("device does not support unmap")

	// Consistency errors
	ErrCorruption = errors.New("allocation bitmap inconsistent")

	// Journal errors
	ErrNoActiveTransaction = errors.New("no active transaction")
)

// HFSError represents an error with additional allocator-specific context
type HFSError struct {
	Err       error  // The underlying error
	Operation string // The operation that caused the error
	Object    string // The object on which the operation was performed (extent, page, offset)
	Detail    string // Additional details about the error
}

// Error implements the error interface
func (e *HFSError) Error() string {
	if e.Object != "" && e.Detail != "" {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Operation, e.Object, e.Detail, e.Err)
	} else if e.Object != "" {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Object, e.Err)
	} else if e.Detail != "" {
		return fmt.Sprintf("%s: %v [%s]", e.Operation, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *HFSError) Unwrap() error {
	return e.Err
}

// NewHFSError creates a new HFSError with the given details
func NewHFSError(err error, operation string, object string, detail string) error {
	return &HFSError{
		Err:       err,
		Operation: operation,
		Object:    object,
		Detail:    detail,
	}
}

// IsOutOfSpace returns true if no extent could satisfy the request
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace)
}

// IsInvalidArgument returns true if the request was rejected before touching any state
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsIOError returns true if the error is related to I/O operations
func IsIOError(err error) bool {
	return errors.Is(err, ErrIOError) || errors.Is(err, ErrInvalidBlockAddr)
}

// IsCorruption returns true if the bitmap contradicted the operation's preconditions
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsReadOnly returns true if the error indicates a read-only condition
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// IsNoActiveTransaction returns true if a journal bracket was closed without being opened
func IsNoActiveTransaction(err error) bool {
	return errors.Is(err, ErrNoActiveTransaction)
}
