package txbind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/metrics"
)

type fakeTx struct {
	id    string
	mu    sync.Mutex
	syncs []Synchronization
}

func (t *fakeTx) ID() string { return t.id }

func (t *fakeTx) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	t.syncs = append(t.syncs, s)
	t.mu.Unlock()
	return nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func releases(t *testing.T, tag string) float64 {
	return counterValue(t, metrics.TxReleaseCounter.WithLabelValues(tag))
}

func setup(t *testing.T) (*coordinator.Coordinator, *lock.InMemory, *Binder) {
	t.Helper()
	store := lock.NewInMemory()
	c := coordinator.New(store, coordinator.WithService("order"), coordinator.WithFeed(events.NewFeed(metrics.Sink{})))
	return c, store, New(c)
}

func acquire(t *testing.T, c *coordinator.Coordinator, key string) *coordinator.Handle {
	t.Helper()
	h, err := c.TryLock(context.Background(), key, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("trylock %s: %v", key, err)
	}
	return h
}

func TestCommitReleasesBoundLocks(t *testing.T) {
	c, store, b := setup(t)
	ctx := context.Background()
	tx := NewLocal()
	h1 := acquire(t, c, "a")
	h2 := acquire(t, c, "b")
	if err := b.Bind(ctx, tx, h1); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := b.Bind(ctx, tx, h2); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got := b.Transactions(); len(got) != 1 || got[0] != tx.ID() {
		t.Fatalf("unexpected transactions %v", got)
	}

	commits := releases(t, TagCommit)
	cleanups := releases(t, TagCommitCleanup)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if locked, _ := store.IsLocked(ctx, k); locked {
			t.Fatalf("%s should be released after commit", k)
		}
	}
	if d := releases(t, TagCommit) - commits; d != 2 {
		t.Fatalf("expected 2 COMMIT releases, got %v", d)
	}
	if d := releases(t, TagCommitCleanup) - cleanups; d != 0 {
		t.Fatalf("expected no cleanup releases, got %v", d)
	}
	if len(b.Transactions()) != 0 || b.Bound(tx.ID()) != nil {
		t.Fatal("binding should be discarded after completion")
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrTransactionDone) {
		t.Fatalf("expected ErrTransactionDone, got %v", err)
	}
}

func TestRollbackReleases(t *testing.T) {
	c, store, b := setup(t)
	ctx := context.Background()
	tx := NewLocal()
	h := acquire(t, c, "a")
	if err := b.Bind(ctx, tx, h); err != nil {
		t.Fatalf("bind: %v", err)
	}
	before := releases(t, TagRollback)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if locked, _ := store.IsLocked(ctx, "a"); locked {
		t.Fatal("lock should be released on rollback")
	}
	if d := releases(t, TagRollback) - before; d != 1 {
		t.Fatalf("expected one ROLLBACK release, got %v", d)
	}
	if h.Status() != lock.StatusReleased {
		t.Fatalf("expected released handle, got %v", h.Status())
	}
}

func TestUnknownCompletionStatus(t *testing.T) {
	c, _, b := setup(t)
	ctx := context.Background()
	tx := &fakeTx{id: "tx-unknown"}
	if err := b.Bind(ctx, tx, acquire(t, c, "a")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	before := releases(t, TagUnknown)
	tx.syncs[0].OnAfterCompletion(ctx, StatusUnknown)
	if d := releases(t, TagUnknown) - before; d != 1 {
		t.Fatalf("expected one UNKNOWN_STATUS release, got %v", d)
	}
	if len(b.Transactions()) != 0 {
		t.Fatal("binding should be discarded")
	}
}

func TestBindRegistersOnceAndDedupes(t *testing.T) {
	c, _, b := setup(t)
	ctx := context.Background()
	tx := &fakeTx{id: "tx-1"}
	h1 := acquire(t, c, "a")
	h2 := acquire(t, c, "b")
	for _, h := range []*coordinator.Handle{h1, h1, h2} {
		if err := b.Bind(ctx, tx, h); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if len(tx.syncs) != 1 {
		t.Fatalf("expected one registration, got %d", len(tx.syncs))
	}
	if got := b.Bound("tx-1"); len(got) != 2 {
		t.Fatalf("expected 2 bound locks, got %d", len(got))
	}
	if err := b.Bind(ctx, nil, h1); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
}

func TestExactlyOnceAcrossHooks(t *testing.T) {
	c, _, b := setup(t)
	ctx := context.Background()
	tx := &fakeTx{id: "tx-race"}
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := b.Bind(ctx, tx, acquire(t, c, k)); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	s := tx.syncs[0]
	total := func() float64 {
		return releases(t, TagCommit) + releases(t, TagCommitCleanup) + releases(t, TagRollback) + releases(t, TagForce)
	}
	before := total()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); s.OnAfterCommit(ctx) }()
		go func() { defer wg.Done(); s.OnAfterCompletion(ctx, StatusCommitted) }()
		go func() { defer wg.Done(); b.ForceReleaseTransactionLocks(ctx, "tx-race") }()
	}
	wg.Wait()
	if d := total() - before; d != 4 {
		t.Fatalf("expected exactly 4 releases, got %v", d)
	}
	if len(c.Held()) != 0 {
		t.Fatal("coordinator should hold nothing")
	}
}

func TestResumeDetectsLostLocks(t *testing.T) {
	c, store, b := setup(t)
	ctx := context.Background()
	tx := NewLocal()
	h := acquire(t, c, "a")
	if err := b.Bind(ctx, tx, h); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tx.Suspend(ctx)
	if _, err := store.ForceRelease(ctx, "a"); err != nil {
		t.Fatalf("force release: %v", err)
	}
	before := counterValue(t, metrics.LostCounter.WithLabelValues("order"))
	tx.Resume(ctx)
	if d := counterValue(t, metrics.LostCounter.WithLabelValues("order")) - before; d != 1 {
		t.Fatalf("expected one lost lock, got %v", d)
	}
	if h.Status() != lock.StatusExpired {
		t.Fatalf("expected expired handle, got %v", h.Status())
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestForceReleaseTransactionLocks(t *testing.T) {
	c, store, b := setup(t)
	ctx := context.Background()
	tx := &fakeTx{id: "tx-force"}
	for _, k := range []string{"a", "b"} {
		if err := b.Bind(ctx, tx, acquire(t, c, k)); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if n := b.ForceReleaseTransactionLocks(ctx, "tx-force"); n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	if n := b.ForceReleaseTransactionLocks(ctx, "tx-force"); n != 0 {
		t.Fatalf("expected 0 on second call, got %d", n)
	}
	if locked, _ := store.IsLocked(ctx, "b"); locked {
		t.Fatal("b should be released")
	}
}

func TestRunCommitsOrRollsBack(t *testing.T) {
	c, store, b := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := Run(ctx, func(ctx context.Context) error {
		tx, ok := FromContext(ctx)
		if !ok {
			t.Fatal("expected ambient transaction")
		}
		if err := b.Bind(ctx, tx, acquire(t, c, "a")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if locked, _ := store.IsLocked(ctx, "a"); locked {
		t.Fatal("rollback should release the lock")
	}
	if _, ok := FromContext(ctx); ok {
		t.Fatal("plain context must not carry a transaction")
	}
}

type deleteCountingStore struct {
	*lock.InMemory
	deleted atomic.Int32
}

func (s *deleteCountingStore) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := s.InMemory.Release(ctx, key, token)
	if ok {
		s.deleted.Add(1)
	}
	return ok, err
}

func TestReentrantBindRollsBackOnce(t *testing.T) {
	store := &deleteCountingStore{InMemory: lock.NewInMemory()}
	c := coordinator.New(store, coordinator.WithService("order"))
	b := New(c)
	tx := NewLocal()
	ctx := lock.WithRequestID(WithTransaction(context.Background(), tx), "req-1")

	first, err := c.TryLock(ctx, "a", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("trylock: %v", err)
	}
	second, err := c.TryLock(ctx, "a", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("reentrant trylock: %v", err)
	}
	if first != second {
		t.Fatal("reentrant acquire should return the held handle")
	}
	for _, h := range []*coordinator.Handle{first, second} {
		if err := b.Bind(ctx, tx, h); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if n := store.deleted.Load(); n != 1 {
		t.Fatalf("expected the key deleted once, got %d", n)
	}
	if locked, _ := store.IsLocked(ctx, "a"); locked {
		t.Fatal("key should be gone after rollback")
	}
	if n := b.ForceReleaseTransactionLocks(ctx, tx.ID()); n != 0 {
		t.Fatalf("expected nothing left to force release, got %d", n)
	}
}
