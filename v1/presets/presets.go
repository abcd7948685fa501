package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/breaker"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/coordinator"
	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/executor"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/metrics"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/monitor"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/syncbus"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/txbind"
)

// Bus kinds accepted by Config.Bus.
const (
	BusInMemory = "inmemory"
	BusRedis    = "redis"
	BusNATS     = "nats"
	BusKafka    = "kafka"
)

// KafkaTopic is the Kafka topic carrying every bus message.
const KafkaTopic = "dlock-bus"

// Config describes a lock engine deployment.
type Config struct {
	RedisAddr string
	Password  string
	DB        int

	Service  string
	Instance string

	BreakerThreshold int
	BreakerCooldown  time.Duration

	DefaultWait  time.Duration
	DefaultLease time.Duration

	Bus          string
	NATSURL      string
	KafkaBrokers []string
}

// DefaultConfig returns a configuration for a local Redis.
func DefaultConfig() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		Service:          "default",
		BreakerThreshold: breaker.DefaultThreshold,
		BreakerCooldown:  breaker.DefaultCooldown,
		DefaultWait:      executor.DefaultWait,
		DefaultLease:     executor.DefaultLease,
		Bus:              BusRedis,
	}
}

func configErr(format string, args ...any) error {
	return lockerrors.New("config", "", lockerrors.ErrConfiguration, fmt.Errorf(format, args...))
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Service == "":
		return configErr("service name is required")
	case lock.ValidateName(c.Service) != nil:
		return configErr("service: %v", lock.ValidateName(c.Service))
	case lock.ValidateName(c.Instance) != nil:
		return configErr("instance: %v", lock.ValidateName(c.Instance))
	case c.BreakerThreshold < 0:
		return configErr("breaker threshold must not be negative")
	case c.BreakerCooldown < 0:
		return configErr("breaker cooldown must not be negative")
	case c.DefaultWait < 0:
		return configErr("default wait must not be negative")
	case c.DefaultLease < 0:
		return configErr("default lease must not be negative")
	}
	switch c.Bus {
	case "", BusInMemory, BusRedis:
	case BusNATS:
		if c.NATSURL == "" {
			return configErr("nats bus requires a server url")
		}
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			return configErr("kafka bus requires at least one broker")
		}
	default:
		return configErr("unknown bus %q", c.Bus)
	}
	return nil
}

// Engine bundles the components of a running lock engine.
type Engine struct {
	Coordinator *coordinator.Coordinator
	Breaker     *breaker.CircuitBreaker
	Feed        *events.Feed
	Bus         syncbus.Bus
	Relay       *events.Relay
	Binder      *txbind.Binder
	Executor    *executor.Wrapper
	Monitor     *monitor.Monitor

	closers []func() error
}

// RegisterMetrics exposes the lock collectors and the breaker on reg.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) {
	metrics.RegisterLockMetrics(reg)
	metrics.RegisterBreaker(reg, e.Breaker)
}

// Close stops the relay and releases the connections opened by the engine.
func (e *Engine) Close() error {
	if e.Relay != nil {
		e.Relay.Stop()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func assemble(ctx context.Context, cfg Config, store lock.Store, bus syncbus.Bus, closers []func() error) (*Engine, error) {
	feed := events.NewFeed()
	cb := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	opts := []coordinator.Option{
		coordinator.WithService(cfg.Service),
		coordinator.WithBreaker(cb),
		coordinator.WithFeed(feed),
		coordinator.WithBus(bus),
	}
	if cfg.Instance != "" {
		opts = append(opts, coordinator.WithInstance(cfg.Instance))
	}
	c := coordinator.New(store, opts...)
	// Relayed events belong to other instances' metrics.
	feed.Subscribe(events.SinkFunc(func(ev events.Event) {
		if ev.Instance == c.Instance() {
			metrics.Sink{}.Record(ev)
		}
	}))
	binder := txbind.New(c)
	e := &Engine{
		Coordinator: c,
		Breaker:     cb,
		Feed:        feed,
		Bus:         bus,
		Binder:      binder,
		Executor: executor.New(c,
			executor.WithBinder(binder),
			executor.WithWait(cfg.DefaultWait),
			executor.WithLease(cfg.DefaultLease)),
		Monitor: monitor.New(c),
		closers: closers,
	}
	if _, local := bus.(*syncbus.InMemoryBus); !local {
		e.Relay = events.NewRelay(bus, events.DefaultTopic, c.Instance(), feed)
		if err := e.Relay.Start(context.WithoutCancel(ctx)); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("start event relay: %w", err)
		}
		feed.Subscribe(e.Relay)
	}
	return e, nil
}

// NewRedis connects to Redis and returns an engine using it as the lock
// store. The notification bus is chosen by cfg.Bus.
func NewRedis(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return nil, configErr("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	closers := []func() error{client.Close}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, lockerrors.New("connect", "", lockerrors.ErrBackingStoreConnection, err)
	}

	var bus syncbus.Bus
	switch cfg.Bus {
	case BusInMemory:
		bus = syncbus.NewInMemoryBus()
	case BusNATS:
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		bus = syncbus.NewNATSBus(nc)
	case BusKafka:
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, KafkaTopic, sarama.NewConfig())
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		closers = append(closers, func() error { kb.Close(); return nil })
		bus = kb
	default:
		rb := syncbus.NewRedisBus(client)
		closers = append(closers, rb.Close)
		bus = rb
	}
	return assemble(ctx, cfg, lock.NewRedis(client), bus, closers)
}

// NewInMemoryStandalone returns an engine that runs entirely in process.
// Locks only exclude callers sharing the engine.
func NewInMemoryStandalone(service string) *Engine {
	cfg := DefaultConfig()
	cfg.Service = service
	e, _ := assemble(context.Background(), cfg, lock.NewInMemory(), syncbus.NewInMemoryBus(), nil)
	return e
}
