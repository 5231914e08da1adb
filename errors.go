package coordinator

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")

	// Backend errors (content overflow tier: filesystem)
	ErrBackendUnavailable = errors.New("content backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrQuotaExceeded      = errors.New("content cache quota exceeded")

	// Reverse edge index errors
	ErrIndexCorrupted = errors.New("edge index corrupted, rebuild needed")
	ErrIndexRetries   = errors.New("edge index update retries exhausted")
	ErrIndexMismatch  = errors.New("edge index does not match graph")

	// Lock errors (C2)
	ErrLockHeld       = errors.New("lock already held by another process")
	ErrLockTimeout    = errors.New("failed to acquire lock within timeout")
	ErrLockReleased   = errors.New("lock was already released")
	ErrLockNotFound   = errors.New("lock not found")
	ErrInvalidLockKey = errors.New("invalid lock key")
	ErrNotOwner       = errors.New("lock is held by a different owner")
	ErrFileConflict   = errors.New("one or more files already locked by another owner")
	ErrStaleLock      = errors.New("lock TTL has elapsed")

	// Graph builder errors (C4)
	ErrGraphUnavailable       = errors.New("dependency graph not yet built")
	ErrRegenerationInProgress = errors.New("graph regeneration already in progress")
	ErrRemoteRateLimited      = errors.New("git forge rate limit exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLockNotFound) || errors.Is(err, ErrGraphUnavailable)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrIndexRetries) || errors.Is(err, ErrFileConflict)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrRegenerationInProgress)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrInvalidConfig)
}

