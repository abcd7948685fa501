package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/breaker"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
)

var (
	// AcquireCounter counts TryLock outcomes by service and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"service", "result"})
	// WaitHistogram observes how long acquisitions waited.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dlock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
	// HoldHistogram observes how long locks were held.
	HoldHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dlock_hold_seconds",
		Help:    "Time a lock was held before release",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
	// ReleaseCounter counts releases by service and kind.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of lock releases",
	}, []string{"service", "kind"})
	// PolicyCounter counts executions that ran without their lock.
	PolicyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_policy_total",
		Help: "Operations executed through bypass or fallback policies",
	}, []string{"service", "policy"})
	// LostCounter counts locks whose lease ran out under their holder.
	LostCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_lost_total",
		Help: "Locks found expired while their holder still relied on them",
	}, []string{"service"})
	// TxReleaseCounter counts transaction-bound releases by tag.
	TxReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_tx_release_total",
		Help: "Transaction-bound lock releases by lifecycle tag",
	}, []string{"tag"})
	// TxHoldHistogram observes hold time of transaction-bound locks at commit.
	TxHoldHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlock_tx_hold_before_commit_seconds",
		Help:    "Hold time of transaction-bound locks when commit starts",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on reg.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		WaitHistogram,
		HoldHistogram,
		ReleaseCounter,
		PolicyCounter,
		LostCounter,
		TxReleaseCounter,
		TxHoldHistogram,
	)
}

// RegisterBreaker exposes the state of cb as gauges on reg.
func RegisterBreaker(reg prometheus.Registerer, cb *breaker.CircuitBreaker) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dlock_breaker_open",
			Help: "1 when the backing store circuit breaker is not closed",
		}, func() float64 {
			if cb.State() != breaker.StateClosed {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dlock_breaker_consecutive_failures",
			Help: "Consecutive backing store failures seen by the breaker",
		}, func() float64 {
			return float64(cb.Status().ConsecutiveFailures)
		}),
	)
}

// Sink records lock events into the package collectors.
type Sink struct{}

// Record implements events.Sink.
func (Sink) Record(e events.Event) {
	switch e.Kind {
	case events.KindAcquire:
		result := "success"
		switch {
		case e.Success:
		case e.Timeout:
			result = "timeout"
		default:
			result = "failure"
		}
		AcquireCounter.WithLabelValues(e.Service, result).Inc()
		WaitHistogram.WithLabelValues(e.Service).Observe(e.Duration.Seconds())
	case events.KindRelease:
		ReleaseCounter.WithLabelValues(e.Service, "release").Inc()
		HoldHistogram.WithLabelValues(e.Service).Observe(e.Duration.Seconds())
	case events.KindForceRelease:
		ReleaseCounter.WithLabelValues(e.Service, "force").Inc()
	case events.KindLost:
		LostCounter.WithLabelValues(e.Service).Inc()
	case events.KindBypass:
		PolicyCounter.WithLabelValues(e.Service, "bypass").Inc()
	case events.KindFallback:
		PolicyCounter.WithLabelValues(e.Service, "fallback").Inc()
	}
}
