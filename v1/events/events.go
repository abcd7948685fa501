// Package events carries structured lock events from the coordinator and the
// execution wrapper to whoever subscribes: the monitor, the Prometheus sink,
// or a relay that forwards them to other processes.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	// KindAcquire reports the outcome of one TryLock call.
	KindAcquire Kind = "acquire"
	// KindWait is emitted when TryLock finds the key held and starts waiting.
	KindWait Kind = "wait"
	// KindRelease reports a release by the holder.
	KindRelease Kind = "release"
	// KindForceRelease reports an administrative release.
	KindForceRelease Kind = "force_release"
	// KindLost reports a lock found expired while its holder still relied on it.
	KindLost Kind = "lost"
	// KindBypass reports an operation executed without lock protection.
	KindBypass Kind = "bypass"
	// KindFallback reports an operation replaced by its degraded path.
	KindFallback Kind = "fallback"
)

// Event is one observation of lock activity.
type Event struct {
	Kind     Kind          `json:"kind"`
	Key      string        `json:"key"`
	Service  string        `json:"service"`
	Instance string        `json:"instance"`
	Owner    string        `json:"owner,omitempty"`
	Success  bool          `json:"success"`
	Timeout  bool          `json:"timeout,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record implements Sink.
func (f SinkFunc) Record(e Event) { f(e) }

// Feed fans events out to subscribed sinks synchronously.
type Feed struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFeed returns a Feed with the given initial sinks.
func NewFeed(sinks ...Sink) *Feed {
	return &Feed{sinks: sinks}
}

// Subscribe adds s to the feed.
func (f *Feed) Subscribe(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Emit stamps e if needed and hands it to every sink. A nil feed discards
// events.
func (f *Feed) Emit(e Event) {
	if f == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Record(e)
	}
}
