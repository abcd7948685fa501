// Package syncbus carries small messages between processes sharing a lock
// namespace. The coordinator publishes unlock notifications so waiting
// acquirers retry without waiting out their poll interval, and the event
// relay ships lock events to monitors in other services.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a topic based pub/sub transport. Delivery is best effort: a slow
// subscriber drops messages rather than blocking publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (chan []byte, error)
	Unsubscribe(ctx context.Context, topic string, ch chan []byte) error
}

const subscriberBuffer = 64

// Metrics counts published and delivered messages.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// hub fans messages out to local subscriber channels. Transports embed it and
// only manage their remote subscription per topic.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	published atomic.Uint64
	delivered atomic.Uint64
}

func newHub() hub {
	return hub{subs: make(map[string][]chan []byte)}
}

// add registers a new channel and reports whether it is the first for topic.
func (h *hub) add(topic string) (chan []byte, bool) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	first := len(h.subs[topic]) == 0
	h.subs[topic] = append(h.subs[topic], ch)
	h.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. It
// returns found=false when ch was not subscribed.
func (h *hub) remove(topic string, ch chan []byte) (found, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, topic)
		return found, true
	}
	h.subs[topic] = subs
	return found, false
}

func (h *hub) deliver(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[topic] {
		select {
		case ch <- payload:
			h.delivered.Add(1)
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for topic, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, topic)
	}
	h.mu.Unlock()
}

func (h *hub) has(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic]) > 0
}

// Metrics returns the published and delivered counts.
func (h *hub) Metrics() Metrics {
	return Metrics{Published: h.published.Load(), Delivered: h.delivered.Load()}
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan []byte) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(topic, payload)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.remove(topic, ch)
	return nil
}
