package monitor

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

// batchParallelism bounds concurrent store calls in BatchForceUnlock.
const batchParallelism = 8

// ListActive scans the store for live locks, optionally restricted to one
// service. Locks held by this process carry their exact acquisition data;
// for the others AcquiredAt is derived from the remaining TTL and the
// assumed lease and flagged as estimated.
func (m *Monitor) ListActive(ctx context.Context, service string) ([]lock.Record, error) {
	keys, err := m.c.Store().Scan(ctx, m.c.Codec().Pattern())
	if err != nil {
		return nil, err
	}
	out := make([]lock.Record, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := m.LockInfo(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || (service != "" && rec.Owner.Service != service) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LockInfo describes the lock currently stored under key.
func (m *Monitor) LockInfo(ctx context.Context, key string) (lock.Record, bool, error) {
	store := m.c.Store()
	token, ok, err := store.Holder(ctx, key)
	if err != nil || !ok {
		return lock.Record{}, false, err
	}
	ttl, err := store.RemainingTTL(ctx, key)
	if err != nil {
		return lock.Record{}, false, err
	}
	if ttl == lock.TTLNoKey {
		return lock.Record{}, false, nil
	}
	if h, ok := m.c.Lookup(key); ok && h.Token() == token {
		rec := h.Record()
		rec.RemainingTTL = ttl
		return rec, true, nil
	}
	owner, _ := lock.ParseToken(token)
	rec := lock.Record{
		Key:          key,
		Owner:        owner,
		Status:       lock.StatusActive,
		RemainingTTL: ttl,
		Estimated:    true,
	}
	if ttl > 0 {
		elapsed := max(m.assumedLease-ttl, 0)
		rec.Lease = m.assumedLease
		rec.AcquiredAt = m.now().Add(-elapsed)
	}
	return rec, true, nil
}

// LongHeld returns the live locks held for longer than threshold. Locks
// without an expiry have no known acquisition time and are always reported.
func (m *Monitor) LongHeld(ctx context.Context, threshold time.Duration) ([]lock.Record, error) {
	recs, err := m.ListActive(ctx, "")
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []lock.Record
	for _, rec := range recs {
		if rec.AcquiredAt.IsZero() || now.Sub(rec.AcquiredAt) > threshold {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ForceUnlock deletes key regardless of its holder.
func (m *Monitor) ForceUnlock(ctx context.Context, key string) (bool, error) {
	return m.c.ForceUnlock(ctx, key)
}

// BatchResult reports the outcome of BatchForceUnlock per key.
type BatchResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"-"`
}

// Err returns nil when every key succeeded and an ErrBatchPartialFailure
// carrying the individual errors otherwise.
func (r BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, k := range slices.Sorted(maps.Keys(r.Failed)) {
		errs = append(errs, r.Failed[k])
	}
	return lockerrors.New("batch_force_unlock", "", lockerrors.ErrBatchPartialFailure, errors.Join(errs...))
}

// BatchForceUnlock force-unlocks every key concurrently. It always completes
// and reports failures per key; a key that was not locked is a failure with
// ErrLockNotHeld.
func (m *Monitor) BatchForceUnlock(ctx context.Context, keys []string) BatchResult {
	res := BatchResult{Failed: make(map[string]error)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	for _, key := range keys {
		g.Go(func() error {
			deleted, err := m.c.ForceUnlock(gctx, key)
			if err == nil && !deleted {
				err = lockerrors.New("force_unlock", key, lockerrors.ErrLockNotHeld, nil)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[key] = err
			} else {
				res.Succeeded = append(res.Succeeded, key)
			}
			// Per-key failures never cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(res.Succeeded)
	return res
}
