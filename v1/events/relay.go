package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/syncbus"
)

// DefaultTopic is the bus topic lock events are relayed on.
const DefaultTopic = "distributed:lock:events"

// Relay publishes local events to a bus and feeds events published by other
// instances into a local feed, so a monitor sees contention across services.
type Relay struct {
	bus      syncbus.Bus
	topic    string
	instance string
	feed     *Feed

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay returns a relay for instance. Remote events are emitted on feed;
// events whose Instance equals instance are skipped on the way in.
func NewRelay(bus syncbus.Bus, topic, instance string, feed *Feed) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{bus: bus, topic: topic, instance: instance, feed: feed}
}

// Record implements Sink by publishing local events.
func (r *Relay) Record(e Event) {
	if e.Instance != r.instance {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.bus.Publish(context.Background(), r.topic, data); err != nil {
		slog.Debug("dlock: relay publish failed", "key", e.Key, "error", err)
	}
}

// Start subscribes to the bus and forwards remote events until Stop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := r.bus.Subscribe(ctx, r.topic)
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.forward(ch, r.done)
	return nil
}

func (r *Relay) forward(ch chan []byte, done chan struct{}) {
	defer close(done)
	for data := range ch {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			slog.Debug("dlock: relay dropped malformed event", "error", err)
			continue
		}
		if e.Instance == r.instance {
			continue
		}
		r.feed.Emit(e)
	}
}

// Stop ends the subscription started by Start.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
