package lock

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

type entry struct {
	token     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory implements Store in process memory. It offers the same atomicity
// as Redis within one process and is meant for tests and standalone use.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]entry), now: time.Now}
}

// live returns the entry for key, evicting it if its lease has passed.
// Callers must hold s.mu.
func (s *InMemory) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Acquire implements Store.Acquire.
func (s *InMemory) Acquire(ctx context.Context, key string, owner Owner, lease time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, storeErr(ctx, "acquire", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return "", false, nil
	}
	e := entry{token: NewToken(owner)}
	if lease > 0 {
		e.expiresAt = s.now().Add(lease)
	}
	s.entries[key] = e
	return e.token, true, nil
}

// Release implements Store.Release.
func (s *InMemory) Release(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// ForceRelease implements Store.ForceRelease.
func (s *InMemory) ForceRelease(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	delete(s.entries, key)
	return ok, nil
}

// IsLocked implements Store.IsLocked.
func (s *InMemory) IsLocked(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

// RemainingTTL implements Store.RemainingTTL.
func (s *InMemory) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return TTLNoKey, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Holder implements Store.Holder.
func (s *InMemory) Holder(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	return e.token, ok, nil
}

// Scan implements Store.Scan. Patterns follow Redis glob syntax for the
// common cases of a trailing '*' or path.Match metacharacters.
func (s *InMemory) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if _, ok := s.live(k); !ok {
			continue
		}
		if globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func globMatch(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[\\") {
		return strings.HasPrefix(key, prefix)
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
