package txbind

import (
	"context"
	"errors"
	"sync"

	hcuuid "github.com/hashicorp/go-uuid"
)

// ErrTransactionDone is returned when a completed Local is used again.
var ErrTransactionDone = errors.New("dlock: transaction already completed")

// Local is an in-process Transaction that drives its synchronizations
// itself. It stands in for an external transaction manager in standalone
// programs and tests.
type Local struct {
	id string

	mu    sync.Mutex
	syncs []Synchronization
	done  bool
}

// NewLocal returns an open transaction with a random id.
func NewLocal() *Local {
	id, err := hcuuid.GenerateUUID()
	if err != nil {
		id = "local"
	}
	return &Local{id: id}
}

// ID implements Transaction.
func (t *Local) ID() string { return t.id }

// RegisterSynchronization implements Transaction.
func (t *Local) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.syncs = append(t.syncs, s)
	return nil
}

func (t *Local) registered() []Synchronization {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Synchronization(nil), t.syncs...)
}

func (t *Local) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	return nil
}

// Suspend notifies the synchronizations that the transaction is parked.
func (t *Local) Suspend(ctx context.Context) {
	for _, s := range t.registered() {
		s.OnSuspend(ctx)
	}
}

// Resume notifies the synchronizations that the transaction is active again.
func (t *Local) Resume(ctx context.Context) {
	for _, s := range t.registered() {
		s.OnResume(ctx)
	}
}

// Commit runs the commit hooks in order.
func (t *Local) Commit(ctx context.Context) error {
	syncs := t.registered()
	for _, s := range syncs {
		s.OnBeforeCommit(ctx, false)
	}
	if err := t.finish(); err != nil {
		return err
	}
	for _, s := range syncs {
		s.OnAfterCommit(ctx)
	}
	for _, s := range syncs {
		s.OnAfterCompletion(ctx, StatusCommitted)
	}
	return nil
}

// Rollback completes the transaction as rolled back.
func (t *Local) Rollback(ctx context.Context) error {
	if err := t.finish(); err != nil {
		return err
	}
	for _, s := range t.registered() {
		s.OnAfterCompletion(ctx, StatusRolledBack)
	}
	return nil
}

// Run executes fn inside a new Local transaction carried by ctx. It commits
// when fn succeeds and rolls back otherwise.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := NewLocal()
	if err := fn(WithTransaction(ctx, tx)); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}
