// Package breaker guards a lock.Store with a circuit breaker so that an
// unreachable backend fails fast instead of stalling every acquisition.
package breaker

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// CircuitBreaker counts consecutive failures and gates calls. All state is
// held in atomics and transitions use compare-and-swap.
type CircuitBreaker struct {
	state     atomic.Int32
	failures  atomic.Int64
	openedAt  atomic.Int64
	lastFail  atomic.Int64
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
}

// New returns a closed breaker. Non-positive arguments select the defaults.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{threshold: int64(threshold), cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed the
// first caller moves the breaker to half-open and becomes the only probe.
func (cb *CircuitBreaker) Allow() bool {
	switch State(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().UnixNano()-cb.openedAt.Load() < int64(cb.cooldown) {
			return false
		}
		return cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen))
	}
	return false
}

// OnSuccess records a successful backend call.
func (cb *CircuitBreaker) OnSuccess() {
	cb.failures.Store(0)
	if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		slog.Info("dlock: circuit breaker closed")
	}
}

// OnFailure records a failed backend call.
func (cb *CircuitBreaker) OnFailure() {
	now := cb.now().UnixNano()
	cb.lastFail.Store(now)
	n := cb.failures.Add(1)
	switch State(cb.state.Load()) {
	case StateHalfOpen:
		cb.openedAt.Store(now)
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			slog.Warn("dlock: circuit breaker probe failed, reopening", "failures", n)
		}
	case StateClosed:
		if n < cb.threshold {
			return
		}
		cb.openedAt.Store(now)
		if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			slog.Warn("dlock: circuit breaker opened", "failures", n, "cooldown", cb.cooldown)
		}
	}
}

// OnAbort records a call abandoned by its caller. It says nothing about the
// backend, so a half-open probe hands its turn to the next caller.
func (cb *CircuitBreaker) OnAbort() {
	cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen))
}

// Reset forces the breaker closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.failures.Store(0)
	cb.state.Store(int32(StateClosed))
}

// State returns the current position. An open breaker whose cooldown has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Status is a snapshot of the breaker.
type Status struct {
	Open                bool          `json:"open"`
	State               string        `json:"state"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	Threshold           int64         `json:"threshold"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Status returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Status() Status {
	st := State(cb.state.Load())
	s := Status{
		Open:                st != StateClosed,
		State:               st.String(),
		ConsecutiveFailures: cb.failures.Load(),
		Threshold:           cb.threshold,
		Cooldown:            cb.cooldown,
	}
	if v := cb.lastFail.Load(); v != 0 {
		s.LastFailureAt = time.Unix(0, v)
	}
	if v := cb.openedAt.Load(); v != 0 && st != StateClosed {
		s.OpenedAt = time.Unix(0, v)
	}
	return s
}
