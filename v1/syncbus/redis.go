package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub.
type RedisBus struct {
	hub
	client *redis.Client

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{hub: newHub(), client: client, pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("dlock.bus.topic", topic)))
	defer span.End()
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first local subscriber of a topic
// opens the Redis subscription and waits for its confirmation.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		ps := b.client.Subscribe(ctx, topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.remove(topic, ch)
			return nil, err
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.deliver(topic, []byte(msg.Payload))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.pubsubs[topic]
	if !ok {
		return nil
	}
	delete(b.pubsubs, topic)
	return ps.Close()
}

// Close closes every Redis subscription and local channel.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for topic, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, topic)
	}
	b.mu.Unlock()
	b.closeAll()
	return nil
}
