// Package errors defines the error taxonomy shared by the sync pipeline and
// the retention sweeper, and maps it onto process exit codes.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMapping         = errors.New("mapping failed")
	ErrRetryable       = errors.New("retryable write failure")
	ErrPermanent       = errors.New("permanent write failure")
	ErrConnectivity    = errors.New("connectivity failure")
	ErrDeletion        = errors.New("index deletion failed")
	ErrIndexNotFound   = errors.New("index not found")
	ErrLockLost        = errors.New("lock lost")
	ErrInvariant       = errors.New("invariant violation")
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitStartup   = 1
	ExitForced    = 2
	ExitInvariant = 3
)

type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsCancellation reports whether err only reflects a finished context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrShutdownTimeout):
		return ExitForced
	case errors.Is(err, ErrInvariant):
		return ExitInvariant
	default:
		return ExitStartup
	}
}
