// Package monitor observes lock activity for operators.
//
// A Monitor reads the store to list live locks and consumes the event feed to
// keep per-service statistics, a bounded history for windowed queries and the
// per-key activity used to detect cross-service conflicts and deadlock risk.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
)

const (
	// DefaultAssumedLease is the lease assumed for locks found by a scan
	// that this process did not take.
	DefaultAssumedLease = 30 * time.Second
	// DefaultConflictWindow is how long key activity is remembered.
	DefaultConflictWindow = 5 * time.Minute
	// DefaultHistorySize bounds the event history.
	DefaultHistorySize = 10000
)

// Monitor aggregates lock events and answers administrative queries.
type Monitor struct {
	c              *coordinator.Coordinator
	assumedLease   time.Duration
	conflictWindow time.Duration
	historySize    int
	now            func() time.Time

	stats    sync.Map // service -> *serviceStats
	activity sync.Map // key -> *keyActivity
	history  *ring
	since    atomic.Int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAssumedLease sets the lease used to estimate the acquisition time of
// locks held by other processes.
func WithAssumedLease(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.assumedLease = d
		}
	}
}

// WithConflictWindow sets how long key activity counts as recent.
func WithConflictWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.conflictWindow = d
		}
	}
}

// WithHistorySize bounds the number of events kept for windowed statistics.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns a Monitor over the store and local bookkeeping of c. When c has
// an event feed the monitor subscribes to it.
func New(c *coordinator.Coordinator, opts ...Option) *Monitor {
	m := &Monitor{
		c:              c,
		assumedLease:   DefaultAssumedLease,
		conflictWindow: DefaultConflictWindow,
		historySize:    DefaultHistorySize,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = newRing(m.historySize)
	m.since.Store(m.now().UnixNano())
	if feed := c.Feed(); feed != nil {
		feed.Subscribe(m)
	}
	return m
}

// Record implements events.Sink.
func (m *Monitor) Record(e events.Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.history.add(e)
	m.statsFor(e.Service).observe(e)
	m.track(e)
}

// ResetStatistics clears counters, history and conflict tracking. Held locks
// are not affected.
func (m *Monitor) ResetStatistics() {
	m.stats.Range(func(k, _ any) bool {
		m.stats.Delete(k)
		return true
	})
	m.activity.Range(func(k, _ any) bool {
		m.activity.Delete(k)
		return true
	})
	m.history.reset()
	m.since.Store(m.now().UnixNano())
}

// ring is a fixed-size event history.
type ring struct {
	mu   sync.Mutex
	buf  []events.Event
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]events.Event, n)}
}

func (r *ring) add(e events.Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) reset() {
	r.mu.Lock()
	clear(r.buf)
	r.next = 0
	r.full = false
	r.mu.Unlock()
}

// between returns the events stamped in [from, to], oldest first.
func (r *ring) between(from, to time.Time) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	visit := func(e events.Event) {
		if !e.At.Before(from) && !e.At.After(to) {
			out = append(out, e)
		}
	}
	if r.full {
		for _, e := range r.buf[r.next:] {
			visit(e)
		}
	}
	for _, e := range r.buf[:r.next] {
		visit(e)
	}
	return out
}
