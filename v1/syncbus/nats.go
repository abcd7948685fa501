package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS connection. Topics map to subjects.
type NATSBus struct {
	hub
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{hub: newHub(), conn: conn, subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			b.deliver(topic, m.Data)
		})
		if err == nil {
			// make sure the server has the interest before returning
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = sub
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}
