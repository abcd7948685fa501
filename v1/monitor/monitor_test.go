package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/breaker"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/keycodec"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func key(t *testing.T, id string) string {
	t.Helper()
	k, err := keycodec.Canonical(id)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	return k
}

func TestStatistics(t *testing.T) {
	store := lock.NewInMemory()
	cb := breaker.New(3, time.Minute)
	c := coordinator.New(store, coordinator.WithService("order"), coordinator.WithFeed(events.NewFeed()), coordinator.WithBreaker(cb))
	m := New(c)
	other := coordinator.New(store, coordinator.WithService("inventory"))
	ctx := context.Background()

	h, err := c.TryLock(ctx, key(t, "a"), time.Second, time.Minute)
	if err != nil {
		t.Fatalf("trylock: %v", err)
	}
	c.Unlock(ctx, h)
	if _, err := c.TryLock(ctx, key(t, "b"), time.Second, time.Minute); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if _, err := other.TryLock(ctx, key(t, "c"), time.Second, time.Minute); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if _, err := c.TryLock(ctx, key(t, "c"), 0, time.Minute); !errors.Is(err, lockerrors.ErrLockAcquireTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	st, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.TotalRequests != 3 || st.SuccessfulRequests != 2 || st.TimeoutRequests != 1 {
		t.Fatalf("unexpected totals %+v", st.ServiceStats)
	}
	if st.HoldSamples != 1 || st.ActiveLocks != 2 {
		t.Fatalf("unexpected hold samples %d or active %d", st.HoldSamples, st.ActiveLocks)
	}
	if st.SuccessRate < 0.66 || st.SuccessRate > 0.67 {
		t.Fatalf("unexpected success rate %v", st.SuccessRate)
	}
	if st.Breaker == nil || st.Breaker.State != "CLOSED" {
		t.Fatalf("expected breaker status, got %+v", st.Breaker)
	}
	if s, ok := m.ServiceStatistics("order"); !ok || s.TotalRequests != 3 {
		t.Fatalf("unexpected service stats %+v", s)
	}

	m.ResetStatistics()
	st, _ = m.Statistics(ctx)
	if st.TotalRequests != 0 || len(st.Services) != 0 {
		t.Fatalf("expected cleared statistics, got %+v", st)
	}
	if st.ActiveLocks != 2 {
		t.Fatal("reset must not touch held locks")
	}
}

func TestStatisticsBetween(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := coordinator.New(lock.NewInMemory())
	m := New(c, WithClock(clock.Now), WithHistorySize(3))
	t0 := clock.Now()

	m.Record(events.Event{Kind: events.KindAcquire, Service: "order", Success: true, Duration: time.Second, At: t0})
	m.Record(events.Event{Kind: events.KindAcquire, Service: "order", Timeout: true, Duration: 2 * time.Second, At: t0.Add(time.Minute)})
	m.Record(events.Event{Kind: events.KindRelease, Service: "order", Duration: 3 * time.Second, At: t0.Add(2 * time.Minute)})

	st, err := m.StatisticsBetween(context.Background(), t0.Add(30*time.Second), t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.TotalRequests != 1 || st.TimeoutRequests != 1 || st.MaxWaitTime != 2*time.Second || st.MaxHoldTime != 3*time.Second {
		t.Fatalf("unexpected windowed stats %+v", st.ServiceStats)
	}

	// The history holds three events, so the first one is evicted.
	m.Record(events.Event{Kind: events.KindAcquire, Service: "order", Success: true, At: t0.Add(3 * time.Minute)})
	st, _ = m.StatisticsBetween(context.Background(), t0, t0.Add(time.Hour))
	if st.TotalRequests != 2 || st.SuccessfulRequests != 1 {
		t.Fatalf("expected the oldest event evicted, got %+v", st.ServiceStats)
	}
	if st.Services["order"].HoldSamples != 1 {
		t.Fatalf("unexpected per-service stats %+v", st.Services)
	}
}

func TestListActive(t *testing.T) {
	store := lock.NewInMemory()
	clock := &fakeClock{t: time.Now()}
	c := coordinator.New(store, coordinator.WithService("order"))
	m := New(c, WithClock(clock.Now))
	other := coordinator.New(store, coordinator.WithService("inventory"))
	ctx := context.Background()

	if _, err := c.TryLock(ctx, key(t, "a"), time.Second, time.Minute, coordinator.WithBusinessContext("reserve stock")); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if _, err := other.TryLock(ctx, key(t, "b"), time.Second, 10*time.Second); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	if _, _, err := store.Acquire(ctx, "unrelated:key", lock.Owner{Service: "x"}, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	recs, err := m.ListActive(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 locks in the namespace, got %d", len(recs))
	}
	byKey := map[string]lock.Record{}
	for _, r := range recs {
		byKey[r.Key] = r
	}
	local := byKey[key(t, "a")]
	if local.Estimated || local.BusinessContext != "reserve stock" || local.Lease != time.Minute {
		t.Fatalf("expected exact local record, got %+v", local)
	}
	remote := byKey[key(t, "b")]
	if !remote.Estimated || remote.Owner.Service != "inventory" || remote.Lease != DefaultAssumedLease {
		t.Fatalf("unexpected remote record %+v", remote)
	}
	age := clock.Now().Sub(remote.AcquiredAt)
	if age < 19*time.Second || age > 21*time.Second {
		t.Fatalf("estimated age %v, want about 20s", age)
	}

	only, _ := m.ListActive(ctx, "inventory")
	if len(only) != 1 || only[0].Key != key(t, "b") {
		t.Fatalf("service filter returned %+v", only)
	}
	long, err := m.LongHeld(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("long held: %v", err)
	}
	if len(long) != 1 || long[0].Key != key(t, "b") {
		t.Fatalf("unexpected long held %+v", long)
	}
	if _, ok, _ := m.LockInfo(ctx, key(t, "missing")); ok {
		t.Fatal("missing key should not be reported")
	}
}

func TestDetectConflictsAndDeadlockRisk(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := New(coordinator.New(lock.NewInMemory()), WithClock(clock.Now))
	ctx := context.Background()
	t0 := clock.Now()
	k := key(t, "sku-1")

	m.Record(events.Event{Kind: events.KindAcquire, Key: k, Service: "order", Owner: "order@1/r1", Success: true, At: t0})
	m.Record(events.Event{Kind: events.KindAcquire, Key: k, Service: "inventory", Timeout: true, At: t0.Add(time.Second)})
	m.Record(events.Event{Kind: events.KindWait, Key: k, Service: "payments", At: t0.Add(2 * time.Second)})
	clock.Advance(3 * time.Second)

	conflicts, err := m.DetectConflicts(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	c, ok := conflicts[k]
	if !ok {
		t.Fatal("expected a conflict")
	}
	if c.CurrentHolderService != "order" || c.CurrentHolder != "order@1/r1" {
		t.Fatalf("unexpected holder %+v", c)
	}
	if len(c.WaitingServices) != 2 || c.WaitingServices[0] != "inventory" || c.WaitingServices[1] != "payments" {
		t.Fatalf("unexpected waiters %v", c.WaitingServices)
	}
	if c.ConflictCount != 2 || !c.ConflictStartTime.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected conflict data %+v", c)
	}

	risks, _ := m.DetectDeadlockRisk(ctx)
	if len(risks) != 1 || risks[0].RiskScore != 22 || risks[0].Level != RiskLow {
		t.Fatalf("unexpected risks %+v", risks)
	}
	clock.Advance(58 * time.Second)
	risks, _ = m.DetectDeadlockRisk(ctx)
	if len(risks) != 1 || risks[0].RiskScore != 80 || risks[0].Level != RiskCritical {
		t.Fatalf("unexpected risks after a minute %+v", risks)
	}

	m.Record(events.Event{Kind: events.KindRelease, Key: k, Service: "order", At: clock.Now()})
	conflicts, _ = m.DetectConflicts(ctx)
	if len(conflicts) != 0 {
		t.Fatalf("release should end the conflict, got %+v", conflicts)
	}
}

func TestSingleWaiterIsNotDeadlockRisk(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := New(coordinator.New(lock.NewInMemory()), WithClock(clock.Now))
	t0 := clock.Now()
	m.Record(events.Event{Kind: events.KindAcquire, Key: "k", Service: "order", Success: true, At: t0})
	m.Record(events.Event{Kind: events.KindAcquire, Key: "k", Service: "inventory", At: t0})
	m.Record(events.Event{Kind: events.KindAcquire, Key: "k", Service: "order", At: t0})

	conflicts, _ := m.DetectConflicts(context.Background())
	if len(conflicts["k"].WaitingServices) != 1 {
		t.Fatalf("same-service contention is not a cross-service waiter: %+v", conflicts["k"])
	}
	risks, _ := m.DetectDeadlockRisk(context.Background())
	if len(risks) != 0 {
		t.Fatalf("expected no deadlock risk, got %+v", risks)
	}
}

func TestConflictHolderResolvedFromStore(t *testing.T) {
	store := lock.NewInMemory()
	billing := coordinator.New(store, coordinator.WithService("billing"))
	m := New(coordinator.New(store, coordinator.WithService("order")))
	ctx := context.Background()
	k := key(t, "invoice-9")
	if _, err := billing.TryLock(ctx, k, time.Second, time.Minute); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	m.Record(events.Event{Kind: events.KindAcquire, Key: k, Service: "order", Timeout: true})

	conflicts, err := m.DetectConflicts(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c := conflicts[k]; c.CurrentHolderService != "billing" || len(c.WaitingServices) != 1 {
		t.Fatalf("expected holder resolved from the store, got %+v", c)
	}
}

func TestConflictActivityPruned(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := New(coordinator.New(lock.NewInMemory()), WithClock(clock.Now), WithConflictWindow(time.Minute))
	t0 := clock.Now()
	m.Record(events.Event{Kind: events.KindAcquire, Key: "k", Service: "order", Success: true, At: t0})
	m.Record(events.Event{Kind: events.KindAcquire, Key: "k", Service: "inventory", At: t0})
	clock.Advance(2 * time.Minute)
	conflicts, _ := m.DetectConflicts(context.Background())
	if len(conflicts) != 0 {
		t.Fatalf("stale activity should be pruned, got %+v", conflicts)
	}
}

func TestLevelFor(t *testing.T) {
	for score, want := range map[int]RiskLevel{0: RiskLow, 39: RiskLow, 40: RiskMedium, 59: RiskMedium, 60: RiskHigh, 79: RiskHigh, 80: RiskCritical, 500: RiskCritical} {
		if got := LevelFor(score); got != want {
			t.Fatalf("LevelFor(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestBatchForceUnlock(t *testing.T) {
	store := lock.NewInMemory()
	holder := coordinator.New(store, coordinator.WithService("order"))
	m := New(coordinator.New(store, coordinator.WithService("admin")))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := holder.TryLock(ctx, key(t, id), time.Second, time.Minute); err != nil {
			t.Fatalf("trylock: %v", err)
		}
	}
	res := m.BatchForceUnlock(ctx, []string{key(t, "b"), key(t, "missing"), key(t, "a")})
	if len(res.Succeeded) != 2 || res.Succeeded[0] != key(t, "a") {
		t.Fatalf("unexpected succeeded %v", res.Succeeded)
	}
	if _, ok := res.Failed[key(t, "missing")]; !ok || len(res.Failed) != 1 {
		t.Fatalf("unexpected failures %v", res.Failed)
	}
	err := res.Err()
	if !errors.Is(err, lockerrors.ErrBatchPartialFailure) || !errors.Is(err, lockerrors.ErrLockNotHeld) {
		t.Fatalf("unexpected batch error %v", err)
	}
	if recs, _ := m.ListActive(ctx, ""); len(recs) != 0 {
		t.Fatalf("expected no active locks, got %+v", recs)
	}
	if (BatchResult{}).Err() != nil {
		t.Fatal("empty result must not report an error")
	}
	if deleted, err := m.ForceUnlock(ctx, key(t, "a")); err != nil || deleted {
		t.Fatalf("force unlock of a free key: %v %v", deleted, err)
	}
}

func TestBatchForceUnlockDuplicateKeys(t *testing.T) {
	store := lock.NewInMemory()
	holder := coordinator.New(store, coordinator.WithService("order"))
	m := New(coordinator.New(store, coordinator.WithService("admin")))
	ctx := context.Background()
	if _, err := holder.TryLock(ctx, key(t, "a"), time.Second, time.Minute); err != nil {
		t.Fatalf("trylock: %v", err)
	}
	res := m.BatchForceUnlock(ctx, []string{key(t, "a"), key(t, "a"), key(t, "a")})
	if len(res.Succeeded) != 1 || res.Succeeded[0] != key(t, "a") {
		t.Fatalf("expected a single success, got %v", res.Succeeded)
	}
	if len(res.Failed) != 0 || res.Err() != nil {
		t.Fatalf("duplicate keys must not fail, got %v", res.Failed)
	}
}
