// Package coordinator acquires and releases distributed locks on top of a
// lock.Store. It bounds waiting by a deadline, retries with exponential
// backoff when asked to, keeps per-process bookkeeping of held handles and
// emits an event for every attempt.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/breaker"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/keycodec"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/syncbus"
)

var tracer = otel.Tracer("github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator")

const (
	// DefaultLease is used when TryLock is called with a non-positive lease.
	DefaultLease = 30 * time.Second
	// DefaultPollInterval is the re-attempt period while waiting without a
	// retry policy.
	DefaultPollInterval = 100 * time.Millisecond
)

// UnlockTopic is the bus topic announcing that key was released.
func UnlockTopic(key string) string { return "unlock:" + key }

// Coordinator is the acquisition and release engine.
type Coordinator struct {
	store    lock.Store
	cb       *breaker.CircuitBreaker
	codec    keycodec.Codec
	bus      syncbus.Bus
	feed     *events.Feed
	service  string
	instance string
	poll     time.Duration
	retry    *RetryPolicy

	randMu sync.Mutex
	rnd    *rand.Rand

	// held maps lock key to the *Handle this process holds for it.
	held sync.Map
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithService sets the service name recorded in owner identities. A "|" in
// name is replaced by New.
func WithService(name string) Option {
	return func(c *Coordinator) { c.service = name }
}

// WithInstance sets the instance id recorded in owner identities.
func WithInstance(id string) Option {
	return func(c *Coordinator) { c.instance = id }
}

// WithBreaker guards every store call with cb.
func WithBreaker(cb *breaker.CircuitBreaker) Option {
	return func(c *Coordinator) { c.cb = cb }
}

// WithBus publishes unlock notifications on bus and lets waiters wake on them.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithFeed emits lock events on feed.
func WithFeed(feed *events.Feed) Option {
	return func(c *Coordinator) { c.feed = feed }
}

// WithPollInterval sets the re-attempt period used without a retry policy.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithCodec sets the codec used by TryLockMulti.
func WithCodec(codec keycodec.Codec) Option {
	return func(c *Coordinator) { c.codec = codec }
}

// WithDefaultRetry applies p to every TryLock that does not set its own.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = &p }
}

// WithSeed makes backoff jitter deterministic.
func WithSeed(seed int64) Option {
	return func(c *Coordinator) { c.rnd = rand.New(rand.NewSource(seed)) }
}

// New returns a Coordinator over store.
func New(store lock.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		codec:   keycodec.New(""),
		service: "default",
		poll:    DefaultPollInterval,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.instance == "" {
		c.instance = lock.NewInstanceID()
	}
	if err := errors.Join(lock.ValidateName(c.service), lock.ValidateName(c.instance)); err != nil {
		slog.Warn("dlock: owner name sanitized", "error", err)
		c.service, c.instance = lock.SanitizeName(c.service), lock.SanitizeName(c.instance)
	}
	if c.cb != nil {
		store = breaker.NewStore(store, c.cb)
	}
	c.store = store
	return c
}

// Service returns the service name of this coordinator.
func (c *Coordinator) Service() string { return c.service }

// Instance returns the instance id of this coordinator.
func (c *Coordinator) Instance() string { return c.instance }

// Breaker returns the circuit breaker, or nil if none was configured.
func (c *Coordinator) Breaker() *breaker.CircuitBreaker { return c.cb }

// Store returns the store used by the coordinator, breaker included.
func (c *Coordinator) Store() lock.Store { return c.store }

// Codec returns the key codec.
func (c *Coordinator) Codec() keycodec.Codec { return c.codec }

// Feed returns the event feed, which may be nil.
func (c *Coordinator) Feed() *events.Feed { return c.feed }

// owner derives the identity of the caller. Without a request id in ctx each
// call is its own request and therefore never reentrant.
func (c *Coordinator) owner(ctx context.Context) lock.Owner {
	req, ok := lock.RequestID(ctx)
	if !ok {
		req = uuid.NewString()
	}
	return lock.Owner{Service: c.service, Instance: c.instance, Request: lock.SanitizeName(req)}
}

func (c *Coordinator) random() float64 {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return c.rnd.Float64()
}

func (c *Coordinator) emit(e events.Event) {
	if c.feed == nil {
		return
	}
	e.Service = c.service
	e.Instance = c.instance
	c.feed.Emit(e)
}

// Lookup returns the handle this process holds for key.
func (c *Coordinator) Lookup(key string) (*Handle, bool) {
	v, ok := c.held.Load(key)
	if !ok {
		return nil, false
	}
	h := v.(*Handle)
	if !h.active() {
		return nil, false
	}
	return h, true
}

// Held returns a snapshot of every lock this process currently holds.
func (c *Coordinator) Held() []lock.Record {
	var out []lock.Record
	c.held.Range(func(_, v any) bool {
		h := v.(*Handle)
		if h.active() {
			out = append(out, h.Record())
		}
		return true
	})
	return out
}
