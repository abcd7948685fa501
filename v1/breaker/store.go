package breaker

import (
	"context"
	"errors"
	"time"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

// Store decorates a lock.Store with circuit breaker logic. Contention is a
// successful call; only backend errors count as failures.
type Store struct {
	inner lock.Store
	cb    *CircuitBreaker
}

// NewStore wraps inner with cb.
func NewStore(inner lock.Store, cb *CircuitBreaker) *Store {
	return &Store{inner: inner, cb: cb}
}

// Breaker returns the breaker guarding the store.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

func (s *Store) open(op, key string) error {
	return lockerrors.New(op, key, lockerrors.ErrBackingStoreUnavailable, nil)
}

// record reports the outcome of a call. A call whose ctx ended says nothing
// about the backend and is neither a success nor a failure.
func (s *Store) record(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, lockerrors.ErrOperationInterrupted) {
		s.cb.OnAbort()
		return
	}
	if err != nil {
		s.cb.OnFailure()
		return
	}
	s.cb.OnSuccess()
}

// Acquire implements lock.Store.Acquire.
func (s *Store) Acquire(ctx context.Context, key string, owner lock.Owner, lease time.Duration) (string, bool, error) {
	if !s.cb.Allow() {
		return "", false, s.open("acquire", key)
	}
	token, ok, err := s.inner.Acquire(ctx, key, owner, lease)
	s.record(ctx, err)
	return token, ok, err
}

// Release implements lock.Store.Release.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	if !s.cb.Allow() {
		return false, s.open("release", key)
	}
	ok, err := s.inner.Release(ctx, key, token)
	s.record(ctx, err)
	return ok, err
}

// ForceRelease implements lock.Store.ForceRelease.
func (s *Store) ForceRelease(ctx context.Context, key string) (bool, error) {
	if !s.cb.Allow() {
		return false, s.open("force_release", key)
	}
	ok, err := s.inner.ForceRelease(ctx, key)
	s.record(ctx, err)
	return ok, err
}

// IsLocked implements lock.Store.IsLocked.
func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	if !s.cb.Allow() {
		return false, s.open("is_locked", key)
	}
	ok, err := s.inner.IsLocked(ctx, key)
	s.record(ctx, err)
	return ok, err
}

// RemainingTTL implements lock.Store.RemainingTTL.
func (s *Store) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	if !s.cb.Allow() {
		return 0, s.open("remaining_ttl", key)
	}
	d, err := s.inner.RemainingTTL(ctx, key)
	s.record(ctx, err)
	return d, err
}

// Holder implements lock.Store.Holder.
func (s *Store) Holder(ctx context.Context, key string) (string, bool, error) {
	if !s.cb.Allow() {
		return "", false, s.open("holder", key)
	}
	token, ok, err := s.inner.Holder(ctx, key)
	s.record(ctx, err)
	return token, ok, err
}

// Scan implements lock.Store.Scan.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if !s.cb.Allow() {
		return nil, s.open("scan", pattern)
	}
	keys, err := s.inner.Scan(ctx, pattern)
	s.record(ctx, err)
	return keys, err
}
