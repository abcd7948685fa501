// Package executor runs operations under a distributed lock.
//
// Run derives the resource ids from the call context, acquires the matching
// key and either binds the lock to the ambient transaction or releases it when
// the operation returns. When the lock cannot be taken the configured Policy
// decides what happens.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/txbind"
)

const (
	DefaultWait  = 3 * time.Second
	DefaultLease = 30 * time.Second
)

// KeyFunc returns the resource ids an operation needs to lock.
type KeyFunc func(ctx context.Context) ([]string, error)

// Key locks a single fixed resource.
func Key(id string) KeyFunc {
	return func(context.Context) ([]string, error) { return []string{id}, nil }
}

// Keys locks a fixed set of resources.
func Keys(ids ...string) KeyFunc {
	return func(context.Context) ([]string, error) { return ids, nil }
}

type policyKind int

const (
	kindRaise policyKind = iota
	kindReturnEmpty
	kindRetry
	kindFallback
	kindFastFail
	kindBypass
)

// Policy decides what Run does when the lock cannot be acquired.
type Policy struct {
	kind     policyKind
	fallback func(ctx context.Context) (any, error)
}

var (
	// Raise returns the acquisition error.
	Raise = Policy{kind: kindRaise}
	// ReturnEmpty returns the zero value and no error.
	ReturnEmpty = Policy{kind: kindReturnEmpty}
	// Retry acquires with the wrapper's retry policy and raises if that
	// still fails.
	Retry = Policy{kind: kindRetry}
	// FastFail raises after a single wait without any retry policy.
	FastFail = Policy{kind: kindFastFail}
	// Bypass runs the operation without the lock.
	Bypass = Policy{kind: kindBypass}
)

// Fallback runs fn instead of the operation when the lock cannot be taken.
func Fallback[T any](fn func(ctx context.Context) (T, error)) Policy {
	return Policy{kind: kindFallback, fallback: func(ctx context.Context) (any, error) { return fn(ctx) }}
}

func (p Policy) String() string {
	switch p.kind {
	case kindRaise:
		return "raise"
	case kindReturnEmpty:
		return "return_empty"
	case kindRetry:
		return "retry"
	case kindFallback:
		return "fallback"
	case kindFastFail:
		return "fast_fail"
	case kindBypass:
		return "bypass"
	}
	return "unknown"
}

// Wrapper holds the defaults shared by every Run call.
type Wrapper struct {
	c      *coordinator.Coordinator
	binder *txbind.Binder
	wait   time.Duration
	lease  time.Duration
	retry  coordinator.RetryPolicy
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithBinder binds locks to the ambient transaction through b.
func WithBinder(b *txbind.Binder) Option {
	return func(w *Wrapper) { w.binder = b }
}

// WithWait sets how long Run waits for the lock.
func WithWait(d time.Duration) Option {
	return func(w *Wrapper) { w.wait = d }
}

// WithLease sets the lease of locks taken by Run.
func WithLease(d time.Duration) Option {
	return func(w *Wrapper) { w.lease = d }
}

// WithRetryPolicy sets the backoff used by the Retry policy.
func WithRetryPolicy(p coordinator.RetryPolicy) Option {
	return func(w *Wrapper) { w.retry = p }
}

// New returns a Wrapper over c.
func New(c *coordinator.Coordinator, opts ...Option) *Wrapper {
	w := &Wrapper{c: c, wait: DefaultWait, lease: DefaultLease, retry: coordinator.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Coordinator returns the coordinator used by w.
func (w *Wrapper) Coordinator() *coordinator.Coordinator { return w.c }

func (w *Wrapper) acquireOptions(p Policy) []coordinator.AcquireOption {
	switch p.kind {
	case kindRetry:
		return []coordinator.AcquireOption{coordinator.WithRetry(w.retry)}
	case kindFastFail:
		return []coordinator.AcquireOption{coordinator.WithoutRetry()}
	}
	return nil
}

func (w *Wrapper) emit(kind events.Kind, key, reason string) {
	w.c.Feed().Emit(events.Event{
		Kind:     kind,
		Key:      key,
		Service:  w.c.Service(),
		Instance: w.c.Instance(),
		Reason:   reason,
	})
}

func resolve(ctx context.Context, keyFn KeyFunc) ([]string, error) {
	if keyFn == nil {
		return nil, lockerrors.New("run", "", lockerrors.ErrKeyExpression, errors.New("no key function"))
	}
	ids, err := keyFn(ctx)
	if err != nil {
		return nil, lockerrors.New("run", "", lockerrors.ErrKeyExpression, err)
	}
	return ids, nil
}

// Run executes op while holding the lock for the resources returned by
// keyFn. A single id locks its canonical key and several ids lock their batch
// key. Interrupted acquisitions always return the error.
func Run[T any](ctx context.Context, w *Wrapper, keyFn KeyFunc, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ids, err := resolve(ctx, keyFn)
	if err != nil {
		return zero, err
	}
	var key string
	if len(ids) == 1 {
		key, err = w.c.Codec().Canonical(ids[0])
	} else {
		key, err = w.c.Codec().Batch(ids)
	}
	if err != nil {
		return zero, err
	}
	h, err := w.c.TryLock(ctx, key, w.wait, w.lease, w.acquireOptions(p)...)
	if err != nil {
		return dispatch(ctx, w, key, p, err, op)
	}
	return guarded(ctx, w, []*coordinator.Handle{h}, op)
}

// RunBatch executes op while holding one lock per resource, acquired in the
// codec's ascending order.
func RunBatch[T any](ctx context.Context, w *Wrapper, keyFn KeyFunc, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ids, err := resolve(ctx, keyFn)
	if err != nil {
		return zero, err
	}
	hs, err := w.c.TryLockMulti(ctx, ids, w.wait, w.lease, w.acquireOptions(p)...)
	if err != nil {
		if errors.Is(err, lockerrors.ErrInvalidLockKey) {
			return zero, err
		}
		key, _ := w.c.Codec().Batch(ids)
		return dispatch(ctx, w, key, p, err, op)
	}
	return guarded(ctx, w, hs, op)
}

// guarded runs op under hs. Inside a transaction the binder takes over the
// release, otherwise the locks are released when op returns.
func guarded[T any](ctx context.Context, w *Wrapper, hs []*coordinator.Handle, op func(ctx context.Context) (T, error)) (T, error) {
	if tx, ok := txbind.FromContext(ctx); ok && w.binder != nil {
		for _, h := range hs {
			if err := w.binder.Bind(ctx, tx, h); err != nil {
				w.c.UnlockAll(ctx, hs)
				var zero T
				return zero, fmt.Errorf("bind %s to transaction %s: %w", h.Key(), tx.ID(), err)
			}
		}
		return op(ctx)
	}
	defer w.c.UnlockAll(ctx, hs)
	return op(ctx)
}

func dispatch[T any](ctx context.Context, w *Wrapper, key string, p Policy, err error, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if errors.Is(err, lockerrors.ErrOperationInterrupted) {
		return zero, err
	}
	switch p.kind {
	case kindReturnEmpty:
		return zero, nil
	case kindFallback:
		w.emit(events.KindFallback, key, err.Error())
		v, ferr := p.fallback(ctx)
		if ferr != nil {
			return zero, ferr
		}
		if v == nil {
			return zero, nil
		}
		res, ok := v.(T)
		if !ok {
			return zero, lockerrors.New("fallback", key, lockerrors.ErrConfiguration, fmt.Errorf("fallback returned %T", v))
		}
		return res, nil
	case kindBypass:
		slog.Warn("dlock: executing without lock protection", "key", key, "service", w.c.Service(), "error", err)
		w.emit(events.KindBypass, key, err.Error())
		return op(ctx)
	}
	return zero, err
}
