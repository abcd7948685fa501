// Package errors defines the error kinds shared by the lock packages.
//
// Every kind is a sentinel; operations return a *LockError that unwraps to
// both the kind and the underlying cause, so callers can match either with
// errors.Is.
package errors

import (
	"errors"
	"strings"
)

var (
	ErrLockAcquireTimeout      = errors.New("dlock: lock acquire timeout")
	ErrLockReleaseFailed       = errors.New("dlock: lock release failed")
	ErrBackingStoreConnection  = errors.New("dlock: backing store connection error")
	ErrInvalidLockKey          = errors.New("dlock: invalid lock key")
	ErrLockNotHeld             = errors.New("dlock: lock not held")
	ErrLockExpired             = errors.New("dlock: lock expired")
	ErrCrossServiceConflict    = errors.New("dlock: cross-service conflict")
	ErrKeyExpression           = errors.New("dlock: key expression failed")
	ErrOperationInterrupted    = errors.New("dlock: operation interrupted")
	ErrBackingStoreUnavailable = errors.New("dlock: backing store unavailable (circuit open)")
	ErrBatchPartialFailure     = errors.New("dlock: batch operation partially failed")
	ErrConfiguration           = errors.New("dlock: configuration error")
)

// LockError annotates a kind with the operation and key it occurred on.
type LockError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

// New returns a *LockError of the given kind.
func New(op, key string, kind, cause error) *LockError {
	return &LockError{Op: op, Key: key, Kind: kind, Err: cause}
}

func (e *LockError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(" [op=")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Key != "" {
		b.WriteString(" [key=")
		b.WriteString(e.Key)
		b.WriteString("]")
	}
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LockError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var retryable = []error{
	ErrLockAcquireTimeout,
	ErrBackingStoreConnection,
	ErrBackingStoreUnavailable,
	ErrOperationInterrupted,
}

var critical = []error{
	ErrBackingStoreConnection,
	ErrBackingStoreUnavailable,
	ErrConfiguration,
}

// IsRetryable reports whether err is of a kind worth retrying.
func IsRetryable(err error) bool {
	return matchAny(err, retryable)
}

// IsCritical reports whether err must be surfaced rather than swallowed.
func IsCritical(err error) bool {
	return matchAny(err, critical)
}

func matchAny(err error, kinds []error) bool {
	if err == nil {
		return false
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
