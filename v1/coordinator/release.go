package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

// Unlock releases h if it still owns its key. It never returns an error: a
// store failure is logged and the lease is left to expire. Unlocking a handle
// that is no longer active is a no-op. The result reports whether the store
// entry was deleted by this call.
func (c *Coordinator) Unlock(ctx context.Context, h *Handle) bool {
	if h == nil || !h.finish(lock.StatusReleased) {
		return false
	}
	c.held.CompareAndDelete(h.key, h)

	ctx, span := tracer.Start(ctx, "Coordinator.Unlock", trace.WithAttributes(attribute.String("dlock.key", h.key)))
	defer span.End()

	hold := h.HoldTime()
	released, err := c.store.Release(ctx, h.key, h.token)
	if err != nil {
		slog.Warn("dlock: release failed, lease left to expire",
			"key", h.key,
			"owner", h.owner.String(),
			"error", lockerrors.New("unlock", h.key, lockerrors.ErrLockReleaseFailed, err))
		return false
	}
	if !released {
		h.status.Store(int32(lock.StatusExpired))
		slog.Warn("dlock: lock expired before release", "key", h.key, "owner", h.owner.String(), "held", hold)
		c.emit(events.Event{Kind: events.KindLost, Key: h.key, Owner: h.owner.String(), Duration: hold, Reason: "expired before release"})
		return false
	}
	c.notifyUnlocked(ctx, h.key)
	c.emit(events.Event{Kind: events.KindRelease, Key: h.key, Owner: h.owner.String(), Success: true, Duration: hold})
	return true
}

// UnlockAll releases hs in reverse order and returns how many were deleted.
func (c *Coordinator) UnlockAll(ctx context.Context, hs []*Handle) int {
	n := 0
	for _, h := range slices.Backward(hs) {
		if c.Unlock(ctx, h) {
			n++
		}
	}
	return n
}

// IsHeldBy reports whether the store still carries h's token. A handle found
// to have lost its key is marked expired.
func (c *Coordinator) IsHeldBy(ctx context.Context, h *Handle) (bool, error) {
	if h == nil || !h.active() {
		return false, nil
	}
	token, ok, err := c.store.Holder(ctx, h.key)
	if err != nil {
		return false, err
	}
	if ok && token == h.token {
		return true, nil
	}
	if h.finish(lock.StatusExpired) {
		c.held.CompareAndDelete(h.key, h)
		c.emit(events.Event{Kind: events.KindLost, Key: h.key, Owner: h.owner.String(), Duration: h.HoldTime(), Reason: "token no longer stored"})
	}
	return false, nil
}

// IsLocked reports whether anyone holds key.
func (c *Coordinator) IsLocked(ctx context.Context, key string) (bool, error) {
	return c.store.IsLocked(ctx, key)
}

// RemainingTTL returns the remaining lease on key, lock.TTLNoKey when the key
// does not exist and lock.TTLNoExpiry when it has no lease.
func (c *Coordinator) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.store.RemainingTTL(ctx, key)
}

// ForceUnlock deletes key regardless of its owner. Any local handle for key
// is marked released even when the store call fails.
func (c *Coordinator) ForceUnlock(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, lockerrors.New("force_unlock", key, lockerrors.ErrInvalidLockKey, nil)
	}
	holder, _, herr := c.store.Holder(ctx, key)
	if herr != nil {
		slog.Debug("dlock: holder lookup before force unlock failed", "key", key, "error", herr)
	}
	deleted, err := c.store.ForceRelease(ctx, key)
	if v, ok := c.held.LoadAndDelete(key); ok {
		v.(*Handle).finish(lock.StatusReleased)
	}
	if err != nil {
		return false, lockerrors.New("force_unlock", key, lockerrors.ErrLockReleaseFailed, err)
	}
	owner := ""
	if o, ok := lock.ParseToken(holder); ok {
		owner = o.String()
	}
	slog.Info("dlock: force unlock", "key", key, "deleted", deleted, "holder", owner)
	if deleted {
		c.notifyUnlocked(ctx, key)
	}
	c.emit(events.Event{Kind: events.KindForceRelease, Key: key, Owner: owner, Success: deleted})
	return deleted, nil
}

func (c *Coordinator) notifyUnlocked(ctx context.Context, key string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), UnlockTopic(key), []byte(key)); err != nil {
		slog.Debug("dlock: unlock notification failed", "key", key, "error", err)
	}
}
