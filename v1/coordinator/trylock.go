package coordinator

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
)

// RetryPolicy requests exponential backoff between failed attempts.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff; zero means no cap.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns three retries starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1) scaled by a jitter factor in [0.75, 1.25].
func (p RetryPolicy) Backoff(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	d *= 1 + 0.25*(2*random-1)
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

type acquireOptions struct {
	retry           *RetryPolicy
	noRetry         bool
	businessContext string
}

// AcquireOption configures a single TryLock call.
type AcquireOption func(*acquireOptions)

// WithRetry retries failed attempts with backoff per p.
func WithRetry(p RetryPolicy) AcquireOption {
	return func(o *acquireOptions) { o.retry = &p; o.noRetry = false }
}

// WithoutRetry disables any default retry policy for this call.
func WithoutRetry() AcquireOption {
	return func(o *acquireOptions) { o.retry = nil; o.noRetry = true }
}

// WithBusinessContext attaches a free-form description to the lock record.
func WithBusinessContext(desc string) AcquireOption {
	return func(o *acquireOptions) { o.businessContext = desc }
}

// TryLock acquires key, waiting at most wait. Without a retry policy it
// re-attempts every poll interval, or as soon as an unlock notification for
// key arrives. With a retry policy it backs off exponentially for at most
// MaxAttempts retries. Either way the wait deadline is final: on expiry
// TryLock fails with ErrLockAcquireTimeout. An open circuit fails at once
// unless a retry policy is set.
func (c *Coordinator) TryLock(ctx context.Context, key string, wait, lease time.Duration, opts ...AcquireOption) (*Handle, error) {
	if key == "" {
		return nil, lockerrors.New("trylock", key, lockerrors.ErrInvalidLockKey, nil)
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	o := acquireOptions{retry: c.retry}
	for _, opt := range opts {
		opt(&o)
	}
	if o.noRetry {
		o.retry = nil
	}

	owner := c.owner(ctx)
	if v, ok := c.held.Load(key); ok {
		if h := v.(*Handle); h.active() && h.owner == owner {
			return h, nil
		}
	}

	ctx, span := tracer.Start(ctx, "Coordinator.TryLock", trace.WithAttributes(
		attribute.String("dlock.key", key),
		attribute.Int64("dlock.wait_ms", wait.Milliseconds()),
		attribute.Int64("dlock.lease_ms", lease.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	deadline := start.Add(wait)
	w := waiter{c: c, key: key}
	defer w.close()

	var (
		attempts int
		lastErr  error
		waiting  bool
	)
	for {
		attempts++
		token, ok, err := c.store.Acquire(ctx, key, owner, lease)
		if ok {
			h := newHandle(key, token, owner, lease, o.businessContext)
			c.held.Store(key, h)
			span.SetAttributes(attribute.Int("dlock.attempts", attempts))
			c.emit(events.Event{
				Kind:     events.KindAcquire,
				Key:      key,
				Owner:    owner.String(),
				Success:  true,
				Duration: time.Since(start),
				Attempts: attempts,
			})
			return h, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil || errors.Is(err, lockerrors.ErrOperationInterrupted) {
			return nil, c.fail(span, key, owner.String(), start, attempts, lockerrors.ErrOperationInterrupted, firstNonNil(ctx.Err(), err), false)
		}
		if o.retry == nil && errors.Is(err, lockerrors.ErrBackingStoreUnavailable) {
			return nil, c.fail(span, key, owner.String(), start, attempts, lockerrors.ErrLockAcquireTimeout, err, false)
		}
		if err == nil && !waiting {
			waiting = true
			c.emit(events.Event{Kind: events.KindWait, Key: key, Owner: owner.String()})
		}

		var delay time.Duration
		if o.retry != nil {
			if attempts > o.retry.MaxAttempts {
				break
			}
			delay = o.retry.Backoff(attempts, c.random())
		} else {
			delay = c.poll
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if delay > remaining {
			delay = remaining
		}
		if !w.sleep(ctx, delay, o.retry == nil) {
			return nil, c.fail(span, key, owner.String(), start, attempts, lockerrors.ErrOperationInterrupted, ctx.Err(), false)
		}
	}
	return nil, c.fail(span, key, owner.String(), start, attempts, lockerrors.ErrLockAcquireTimeout, lastErr, true)
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) fail(span trace.Span, key, owner string, start time.Time, attempts int, kind, cause error, timeout bool) error {
	err := lockerrors.New("trylock", key, kind, cause)
	span.SetAttributes(attribute.Int("dlock.attempts", attempts))
	span.SetStatus(codes.Error, err.Error())
	reason := kind.Error()
	if cause != nil {
		reason = cause.Error()
	}
	c.emit(events.Event{
		Kind:     events.KindAcquire,
		Key:      key,
		Owner:    owner,
		Success:  false,
		Timeout:  timeout,
		Duration: time.Since(start),
		Attempts: attempts,
		Reason:   reason,
	})
	return err
}

// waiter sleeps between attempts and wakes early on unlock notifications.
// The bus subscription is opened lazily on the first wait.
type waiter struct {
	c      *Coordinator
	key    string
	ch     chan []byte
	cancel context.CancelFunc
	tried  bool
}

func (w *waiter) subscribe(ctx context.Context) {
	if w.tried || w.c.bus == nil {
		return
	}
	w.tried = true
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := w.c.bus.Subscribe(sctx, UnlockTopic(w.key))
	if err != nil {
		cancel()
		return
	}
	w.ch, w.cancel = ch, cancel
}

// sleep waits for d and reports false if ctx ended first. When early is set
// an unlock notification cuts the wait short.
func (w *waiter) sleep(ctx context.Context, d time.Duration, early bool) bool {
	var wake chan []byte
	if early {
		w.subscribe(ctx)
		wake = w.ch
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case _, ok := <-wake:
		if !ok {
			w.ch = nil
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *waiter) close() {
	if w.cancel != nil {
		w.cancel()
	}
}

// TryLockMulti acquires every resource in ids under one wait deadline, in the
// ascending order given by the codec. On failure the keys already taken are
// released in reverse order.
func (c *Coordinator) TryLockMulti(ctx context.Context, ids []string, wait, lease time.Duration, opts ...AcquireOption) ([]*Handle, error) {
	keys, err := c.codec.MultiKeyOrdering(ids)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	handles := make([]*Handle, 0, len(keys))
	for _, key := range keys {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		h, err := c.TryLock(ctx, key, remaining, lease, opts...)
		if err != nil {
			c.UnlockAll(context.WithoutCancel(ctx), handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
