package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/breaker"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/events"
)

// ServiceStats are the counters kept for one service.
type ServiceStats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TimeoutRequests    int64         `json:"timeout_requests"`
	TotalWaitTime      time.Duration `json:"total_wait_time"`
	TotalHoldTime      time.Duration `json:"total_hold_time"`
	HoldSamples        int64         `json:"hold_samples"`
	MaxWaitTime        time.Duration `json:"max_wait_time"`
	MaxHoldTime        time.Duration `json:"max_hold_time"`
}

// AverageWait returns the mean acquisition wait.
func (s ServiceStats) AverageWait() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalWaitTime / time.Duration(s.TotalRequests)
}

// AverageHold returns the mean hold time of released locks.
func (s ServiceStats) AverageHold() time.Duration {
	if s.HoldSamples == 0 {
		return 0
	}
	return s.TotalHoldTime / time.Duration(s.HoldSamples)
}

// SuccessRate returns the share of successful acquisitions in [0, 1].
func (s ServiceStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

func (s *ServiceStats) add(e events.Event) {
	switch e.Kind {
	case events.KindAcquire:
		s.TotalRequests++
		switch {
		case e.Success:
			s.SuccessfulRequests++
		case e.Timeout:
			s.TimeoutRequests++
		default:
			s.FailedRequests++
		}
		s.TotalWaitTime += e.Duration
		s.MaxWaitTime = max(s.MaxWaitTime, e.Duration)
	case events.KindRelease:
		s.HoldSamples++
		s.TotalHoldTime += e.Duration
		s.MaxHoldTime = max(s.MaxHoldTime, e.Duration)
	}
}

func (s *ServiceStats) merge(o ServiceStats) {
	s.TotalRequests += o.TotalRequests
	s.SuccessfulRequests += o.SuccessfulRequests
	s.FailedRequests += o.FailedRequests
	s.TimeoutRequests += o.TimeoutRequests
	s.TotalWaitTime += o.TotalWaitTime
	s.TotalHoldTime += o.TotalHoldTime
	s.HoldSamples += o.HoldSamples
	s.MaxWaitTime = max(s.MaxWaitTime, o.MaxWaitTime)
	s.MaxHoldTime = max(s.MaxHoldTime, o.MaxHoldTime)
}

// serviceStats is the lock-free live form of ServiceStats.
type serviceStats struct {
	total, success, failed, timeout atomic.Int64
	waitNanos, holdNanos            atomic.Int64
	holdSamples                     atomic.Int64
	maxWait, maxHold                atomic.Int64
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *serviceStats) observe(e events.Event) {
	switch e.Kind {
	case events.KindAcquire:
		s.total.Add(1)
		switch {
		case e.Success:
			s.success.Add(1)
		case e.Timeout:
			s.timeout.Add(1)
		default:
			s.failed.Add(1)
		}
		s.waitNanos.Add(int64(e.Duration))
		storeMax(&s.maxWait, int64(e.Duration))
	case events.KindRelease:
		s.holdSamples.Add(1)
		s.holdNanos.Add(int64(e.Duration))
		storeMax(&s.maxHold, int64(e.Duration))
	}
}

func (s *serviceStats) snapshot() ServiceStats {
	return ServiceStats{
		TotalRequests:      s.total.Load(),
		SuccessfulRequests: s.success.Load(),
		FailedRequests:     s.failed.Load(),
		TimeoutRequests:    s.timeout.Load(),
		TotalWaitTime:      time.Duration(s.waitNanos.Load()),
		TotalHoldTime:      time.Duration(s.holdNanos.Load()),
		HoldSamples:        s.holdSamples.Load(),
		MaxWaitTime:        time.Duration(s.maxWait.Load()),
		MaxHoldTime:        time.Duration(s.maxHold.Load()),
	}
}

func (m *Monitor) statsFor(service string) *serviceStats {
	if v, ok := m.stats.Load(service); ok {
		return v.(*serviceStats)
	}
	v, _ := m.stats.LoadOrStore(service, &serviceStats{})
	return v.(*serviceStats)
}

// Statistics is an aggregate view over all services.
type Statistics struct {
	ServiceStats
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	ActiveLocks int                     `json:"active_locks"`
	SuccessRate float64                 `json:"success_rate"`
	AverageWait time.Duration           `json:"average_wait"`
	AverageHold time.Duration           `json:"average_hold"`
	Services    map[string]ServiceStats `json:"services"`
	Breaker     *breaker.Status         `json:"breaker,omitempty"`
}

// ServiceStatistics returns the counters of one service.
func (m *Monitor) ServiceStatistics(service string) (ServiceStats, bool) {
	v, ok := m.stats.Load(service)
	if !ok {
		return ServiceStats{}, false
	}
	return v.(*serviceStats).snapshot(), true
}

// Statistics returns the counters accumulated since the monitor started or
// was last reset.
func (m *Monitor) Statistics(ctx context.Context) (Statistics, error) {
	st := Statistics{
		From:     time.Unix(0, m.since.Load()),
		To:       m.now(),
		Services: make(map[string]ServiceStats),
	}
	m.stats.Range(func(k, v any) bool {
		s := v.(*serviceStats).snapshot()
		st.Services[k.(string)] = s
		st.merge(s)
		return true
	})
	return m.finish(ctx, st)
}

// StatisticsBetween aggregates the events of the history stamped in
// [from, to]. Events evicted from the bounded history are not counted.
func (m *Monitor) StatisticsBetween(ctx context.Context, from, to time.Time) (Statistics, error) {
	st := Statistics{From: from, To: to, Services: make(map[string]ServiceStats)}
	for _, e := range m.history.between(from, to) {
		s := st.Services[e.Service]
		s.add(e)
		st.Services[e.Service] = s
		st.add(e)
	}
	return m.finish(ctx, st)
}

func (m *Monitor) finish(ctx context.Context, st Statistics) (Statistics, error) {
	st.SuccessRate = st.ServiceStats.SuccessRate()
	st.AverageWait = st.ServiceStats.AverageWait()
	st.AverageHold = st.ServiceStats.AverageHold()
	if cb := m.c.Breaker(); cb != nil {
		bs := cb.Status()
		st.Breaker = &bs
	}
	active, err := m.c.Store().Scan(ctx, m.c.Codec().Pattern())
	if err != nil {
		return st, err
	}
	st.ActiveLocks = len(active)
	return st, nil
}
