// Package txbind defers the release of locks to the completion of the
// transaction they were taken in.
//
// A transaction manager drives the Synchronization hooks. The Binder registers
// itself once per transaction on the first Bind and releases every bound lock
// exactly once, whichever hook gets there first.
package txbind

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/metrics"
)

// Status is the outcome reported by OnAfterCompletion.
type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	}
	return "UNKNOWN"
}

// Release tags recorded with every transaction-bound release.
const (
	TagCommit        = "COMMIT"
	TagRollback      = "ROLLBACK"
	TagCommitCleanup = "COMMIT_CLEANUP"
	TagUnknown       = "UNKNOWN_STATUS"
	TagForce         = "FORCE"
)

// Synchronization receives transaction lifecycle callbacks.
type Synchronization interface {
	OnSuspend(ctx context.Context)
	OnResume(ctx context.Context)
	OnBeforeCommit(ctx context.Context, readOnly bool)
	OnAfterCommit(ctx context.Context)
	OnAfterCompletion(ctx context.Context, status Status)
}

// Transaction is an open transaction that accepts synchronizations.
type Transaction interface {
	ID() string
	RegisterSynchronization(Synchronization) error
}

type txKey struct{}

// WithTransaction marks tx as the ambient transaction of ctx.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the ambient transaction of ctx, if any.
func FromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(Transaction)
	return tx, ok && tx != nil
}

// ErrNoTransaction is returned by Bind when tx is nil.
var ErrNoTransaction = errors.New("dlock: no active transaction")

// Locks is the coordinator surface used by the binder.
type Locks interface {
	Unlock(ctx context.Context, h *coordinator.Handle) bool
	IsHeldBy(ctx context.Context, h *coordinator.Handle) (bool, error)
}

type entry struct {
	h        *coordinator.Handle
	released atomic.Bool
}

type binding struct {
	mu      sync.Mutex
	entries []*entry
}

func (b *binding) snapshot() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.entries)
}

// Binder tracks the locks bound to each open transaction.
type Binder struct {
	locks Locks

	mu  sync.Mutex
	txs map[string]*binding
}

// New returns a Binder releasing through locks.
func New(locks Locks) *Binder {
	return &Binder{locks: locks, txs: make(map[string]*binding)}
}

// Bind makes tx responsible for releasing h. Binding the same handle twice
// is a no-op.
func (b *Binder) Bind(ctx context.Context, tx Transaction, h *coordinator.Handle) error {
	if tx == nil {
		return ErrNoTransaction
	}
	id := tx.ID()
	b.mu.Lock()
	bd, ok := b.txs[id]
	if !ok {
		if err := tx.RegisterSynchronization(&synchronization{b: b, id: id}); err != nil {
			b.mu.Unlock()
			return err
		}
		bd = &binding{}
		b.txs[id] = bd
	}
	b.mu.Unlock()

	bd.mu.Lock()
	defer bd.mu.Unlock()
	for _, e := range bd.entries {
		if e.h.Token() == h.Token() {
			return nil
		}
	}
	bd.entries = append(bd.entries, &entry{h: h})
	slog.Debug("dlock: lock bound to transaction", "tx", id, "key", h.Key())
	return nil
}

func (b *Binder) lookup(id string) (*binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.txs[id]
	return bd, ok
}

func (b *Binder) discard(id string) {
	b.mu.Lock()
	delete(b.txs, id)
	b.mu.Unlock()
}

// release unlocks every entry of id not yet released, newest first, and
// returns how many it released.
func (b *Binder) release(ctx context.Context, id, tag string) int {
	bd, ok := b.lookup(id)
	if !ok {
		return 0
	}
	n := 0
	for _, e := range slices.Backward(bd.snapshot()) {
		if !e.released.CompareAndSwap(false, true) {
			continue
		}
		b.locks.Unlock(ctx, e.h)
		metrics.TxReleaseCounter.WithLabelValues(tag).Inc()
		n++
	}
	if n > 0 {
		slog.Debug("dlock: transaction locks released", "tx", id, "tag", tag, "count", n)
	}
	return n
}

// ForceReleaseTransactionLocks releases every still-held lock bound to txID
// and forgets the transaction. It returns the number released.
func (b *Binder) ForceReleaseTransactionLocks(ctx context.Context, txID string) int {
	n := b.release(ctx, txID, TagForce)
	b.discard(txID)
	if n > 0 {
		slog.Warn("dlock: transaction locks force released", "tx", txID, "count", n)
	}
	return n
}

// Bound returns the locks of txID that have not been released yet.
func (b *Binder) Bound(txID string) []lock.Record {
	bd, ok := b.lookup(txID)
	if !ok {
		return nil
	}
	var out []lock.Record
	for _, e := range bd.snapshot() {
		if !e.released.Load() {
			out = append(out, e.h.Record())
		}
	}
	return out
}

// Transactions returns the ids of the transactions with bound locks.
func (b *Binder) Transactions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.txs))
	for id := range b.txs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// synchronization is the per-transaction listener registered by Bind.
type synchronization struct {
	b  *Binder
	id string
}

func (s *synchronization) OnSuspend(ctx context.Context) {
	slog.Debug("dlock: transaction suspended", "tx", s.id)
}

// OnResume re-validates every bound lock. Locks whose lease ran out while
// the transaction was suspended are logged; IsHeldBy reports them as lost
// on the event feed.
func (s *synchronization) OnResume(ctx context.Context) {
	bd, ok := s.b.lookup(s.id)
	if !ok {
		return
	}
	for _, e := range bd.snapshot() {
		if e.released.Load() {
			continue
		}
		held, err := s.b.locks.IsHeldBy(ctx, e.h)
		if err != nil {
			slog.Warn("dlock: cannot validate transaction lock", "tx", s.id, "key", e.h.Key(), "error", err)
			continue
		}
		if !held {
			slog.Warn("dlock: transaction lock lost while suspended", "tx", s.id, "key", e.h.Key(), "held", e.h.HoldTime())
		}
	}
	slog.Debug("dlock: transaction resumed", "tx", s.id)
}

func (s *synchronization) OnBeforeCommit(ctx context.Context, readOnly bool) {
	bd, ok := s.b.lookup(s.id)
	if !ok {
		return
	}
	for _, e := range bd.snapshot() {
		if !e.released.Load() {
			metrics.TxHoldHistogram.Observe(e.h.HoldTime().Seconds())
		}
	}
}

func (s *synchronization) OnAfterCommit(ctx context.Context) {
	s.b.release(ctx, s.id, TagCommit)
}

func (s *synchronization) OnAfterCompletion(ctx context.Context, status Status) {
	switch status {
	case StatusRolledBack:
		s.b.release(ctx, s.id, TagRollback)
	case StatusCommitted:
		if n := s.b.release(ctx, s.id, TagCommitCleanup); n > 0 {
			slog.Warn("dlock: locks still bound after commit", "tx", s.id, "count", n)
		}
	default:
		s.b.release(ctx, s.id, TagUnknown)
	}
	s.b.discard(s.id)
}
