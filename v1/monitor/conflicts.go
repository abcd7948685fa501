package monitor

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

// ConflictInfo describes a key held by one service while others wait for it.
type ConflictInfo struct {
	Key                  string    `json:"key"`
	CurrentHolder        string    `json:"current_holder"`
	CurrentHolderService string    `json:"current_holder_service"`
	WaitingServices      []string  `json:"waiting_services"`
	ConflictStartTime    time.Time `json:"conflict_start_time"`
	ConflictCount        int64     `json:"conflict_count"`
}

// RiskLevel bands a deadlock risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelFor returns the band of score.
func LevelFor(score int) RiskLevel {
	switch {
	case score < 40:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 80:
		return RiskHigh
	}
	return RiskCritical
}

// DeadlockRisk flags a conflict with several waiting services.
type DeadlockRisk struct {
	Key             string    `json:"key"`
	HolderService   string    `json:"holder_service"`
	WaitingServices []string  `json:"waiting_services"`
	RiskScore       int       `json:"risk_score"`
	Level           RiskLevel `json:"level"`
	Description     string    `json:"description"`
}

// keyActivity is what the monitor remembers about one key.
type keyActivity struct {
	mu            sync.Mutex
	holder        string
	holderService string
	waiting       map[string]time.Time // service -> last attempt
	conflictStart time.Time
	conflictCount int64
	lastSeen      time.Time
}

func (a *keyActivity) otherWaiters() []string {
	var out []string
	for svc := range a.waiting {
		if svc != a.holderService {
			out = append(out, svc)
		}
	}
	slices.Sort(out)
	return out
}

// refresh drops stale waiters and opens or closes the conflict interval.
// Callers must hold a.mu.
func (a *keyActivity) refresh(now time.Time, window time.Duration) {
	for svc, seen := range a.waiting {
		if now.Sub(seen) > window {
			delete(a.waiting, svc)
		}
	}
	inConflict := a.holderService != "" && len(a.otherWaiters()) > 0
	switch {
	case inConflict && a.conflictStart.IsZero():
		a.conflictStart = now
	case !inConflict:
		a.conflictStart = time.Time{}
	}
}

func (m *Monitor) activityFor(key string) *keyActivity {
	if v, ok := m.activity.Load(key); ok {
		return v.(*keyActivity)
	}
	v, _ := m.activity.LoadOrStore(key, &keyActivity{waiting: make(map[string]time.Time)})
	return v.(*keyActivity)
}

// track folds e into the activity of its key.
func (m *Monitor) track(e events.Event) {
	if e.Key == "" {
		return
	}
	switch e.Kind {
	case events.KindAcquire, events.KindWait, events.KindRelease, events.KindForceRelease, events.KindLost:
	default:
		return
	}
	a := m.activityFor(e.Key)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = e.At
	switch e.Kind {
	case events.KindAcquire:
		if e.Success {
			a.holder, a.holderService = e.Owner, e.Service
			delete(a.waiting, e.Service)
			break
		}
		a.waiting[e.Service] = e.At
		if a.holderService != "" && a.holderService != e.Service {
			a.conflictCount++
		}
	case events.KindWait:
		a.waiting[e.Service] = e.At
		if a.holderService != "" && a.holderService != e.Service {
			a.conflictCount++
		}
	default:
		a.holder, a.holderService = "", ""
	}
	a.refresh(e.At, m.conflictWindow)
}

// prune forgets keys without activity inside the conflict window.
func (m *Monitor) prune(now time.Time) {
	m.activity.Range(func(k, v any) bool {
		a := v.(*keyActivity)
		a.mu.Lock()
		stale := now.Sub(a.lastSeen) > m.conflictWindow
		a.mu.Unlock()
		if stale {
			m.activity.CompareAndDelete(k, v)
		}
		return true
	})
}

// DetectConflicts returns the keys currently held by one service while at
// least one other service recently tried to take them. Holders not seen on
// the event feed are resolved from the store.
func (m *Monitor) DetectConflicts(ctx context.Context) (map[string]ConflictInfo, error) {
	now := m.now()
	m.prune(now)
	out := make(map[string]ConflictInfo)
	var firstErr error
	m.activity.Range(func(k, v any) bool {
		key := k.(string)
		a := v.(*keyActivity)
		a.mu.Lock()
		unknownHolder := a.holderService == "" && len(a.waiting) > 0
		a.mu.Unlock()
		if unknownHolder {
			if err := m.resolveHolder(ctx, key, a, now); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.refresh(now, m.conflictWindow)
		waiters := a.otherWaiters()
		if a.holderService == "" || len(waiters) == 0 {
			return true
		}
		out[key] = ConflictInfo{
			Key:                  key,
			CurrentHolder:        a.holder,
			CurrentHolderService: a.holderService,
			WaitingServices:      waiters,
			ConflictStartTime:    a.conflictStart,
			ConflictCount:        a.conflictCount,
		}
		return true
	})
	return out, firstErr
}

func (m *Monitor) resolveHolder(ctx context.Context, key string, a *keyActivity, now time.Time) error {
	token, ok, err := m.c.Store().Holder(ctx, key)
	if err != nil || !ok {
		return err
	}
	owner, ok := lock.ParseToken(token)
	if !ok {
		return nil
	}
	a.mu.Lock()
	if a.holderService == "" {
		a.holder, a.holderService = owner.String(), owner.Service
		delete(a.waiting, owner.Service)
		a.refresh(now, m.conflictWindow)
	}
	a.mu.Unlock()
	return nil
}

// DetectDeadlockRisk scores every conflict with two or more waiting
// services: ten points per waiting service plus one per second of conflict.
// Results are ordered by descending score.
func (m *Monitor) DetectDeadlockRisk(ctx context.Context) ([]DeadlockRisk, error) {
	conflicts, err := m.DetectConflicts(ctx)
	now := m.now()
	var out []DeadlockRisk
	for _, key := range slices.Sorted(maps.Keys(conflicts)) {
		c := conflicts[key]
		if len(c.WaitingServices) < 2 {
			continue
		}
		elapsed := now.Sub(c.ConflictStartTime)
		score := len(c.WaitingServices)*10 + int(elapsed/time.Second)
		out = append(out, DeadlockRisk{
			Key:             key,
			HolderService:   c.CurrentHolderService,
			WaitingServices: c.WaitingServices,
			RiskScore:       score,
			Level:           LevelFor(score),
			Description: fmt.Sprintf("%d services waiting on %s held by %s for %s",
				len(c.WaitingServices), key, c.CurrentHolderService, elapsed.Truncate(time.Second)),
		})
	}
	slices.SortStableFunc(out, func(a, b DeadlockRisk) int { return cmp.Compare(b.RiskScore, a.RiskScore) })
	return out, err
}
