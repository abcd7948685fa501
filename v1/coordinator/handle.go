package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

// Handle is the proof of a successful TryLock. It is passed back to Unlock,
// IsHeldBy and the transaction binder; there is no hidden per-goroutine
// ownership state.
type Handle struct {
	key             string
	token           string
	owner           lock.Owner
	acquiredAt      time.Time
	lease           time.Duration
	businessContext string
	status          atomic.Int32
}

func newHandle(key, token string, owner lock.Owner, lease time.Duration, businessContext string) *Handle {
	return &Handle{
		key:             key,
		token:           token,
		owner:           owner,
		acquiredAt:      time.Now(),
		lease:           lease,
		businessContext: businessContext,
	}
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Token returns the owner token stored under the key.
func (h *Handle) Token() string { return h.token }

// Owner returns the identity that acquired the lock.
func (h *Handle) Owner() lock.Owner { return h.owner }

// AcquiredAt returns when the lock was taken.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Lease returns the lease requested at acquisition.
func (h *Handle) Lease() time.Duration { return h.lease }

// BusinessContext returns the description given with WithBusinessContext.
func (h *Handle) BusinessContext() string { return h.businessContext }

// Status returns the lifecycle state of the handle.
func (h *Handle) Status() lock.Status { return lock.Status(h.status.Load()) }

// HoldTime returns how long the lock has been held.
func (h *Handle) HoldTime() time.Duration { return time.Since(h.acquiredAt) }

func (h *Handle) active() bool { return h.Status() == lock.StatusActive }

// finish moves an active handle to the final status to. Only the first
// caller wins.
func (h *Handle) finish(to lock.Status) bool {
	return h.status.CompareAndSwap(int32(lock.StatusActive), int32(to))
}

// Record returns a snapshot of the lock described by h.
func (h *Handle) Record() lock.Record {
	return lock.Record{
		Key:             h.key,
		Owner:           h.owner,
		AcquiredAt:      h.acquiredAt,
		Lease:           h.lease,
		BusinessContext: h.businessContext,
		Status:          h.Status(),
	}
}
