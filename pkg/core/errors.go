package core

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotFound is returned when a lookup by id has no match. Single entity
	// getters report absence through their return values instead.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned when a write would violate a uniqueness or
	// integrity constraint
	ErrConstraint = errors.New("constraint violation")

	// ErrInvalidID is returned for identifiers that are not canonical UUIDs
	ErrInvalidID = fmt.Errorf("%w: malformed identifier", ErrConstraint)

	// ErrInvalidInput is returned when required fields are missing or malformed
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidDimension is returned when vector dimension doesn't match expected
	ErrInvalidDimension = fmt.Errorf("%w: invalid vector dimension", ErrInvalidInput)

	// ErrEngine is returned when the underlying engine fails (connection lost,
	// transaction aborted, I/O error)
	ErrEngine = errors.New("engine failure")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotInitialized is returned when the store is used before Init
	ErrNotInitialized = errors.New("store is not initialized")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("agentstore: %v", e.Err)
	}
	return fmt.Sprintf("agentstore: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps an error with operation context. Errors that already carry
// operation context are returned unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// EngineError marks err as an engine failure for op while keeping the driver
// error reachable through errors.Is / errors.As.
func EngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %w", ErrEngine, err)}
}

// InvalidInput builds an ErrInvalidInput error for op with a formatted reason.
func InvalidInput(op, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))}
}

func wrapError(op string, err error) error {
	return WrapError(op, err)
}
