package invoker

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/funnel/internal/config"
)

// ErrBreakerOpen is returned by Allow while the pipeline service is
// considered down.
var ErrBreakerOpen = errors.New("invoker: circuit breaker is open")

// BreakerState is exported as the funnel_backend_circuit_breaker_state gauge,
// so the numeric values are part of the metrics contract.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerHalfOpen BreakerState = 1
	BreakerOpen     BreakerState = 2
)

var breakerStateNames = map[BreakerState]string{
	BreakerClosed:   "closed",
	BreakerHalfOpen: "half-open",
	BreakerOpen:     "open",
}

func (s BreakerState) String() string {
	if name, ok := breakerStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Error-rate tripping is ignored until a window holds this many calls.
const minWindowSamples = 10

// BreakerStats is a point-in-time view of a CircuitBreaker.
type BreakerStats struct {
	State               BreakerState
	ConsecutiveFailures int
	HalfOpenSuccesses      int
	WindowRequests      int
	WindowFailures      int
}

// ErrorRate is the failure share of the current window, or 0 when empty.
func (s BreakerStats) ErrorRate() float64 {
	if s.WindowRequests == 0 {
		return 0
	}
	return float64(s.WindowFailures) / float64(s.WindowRequests)
}

// CircuitBreaker stops calls to the pipeline service after repeated failures.
//
// While closed it trips on FailureThreshold consecutive failures, or when the
// failure share of a tumbling ErrorRateWindow reaches ErrorRateThreshold.
// After Timeout it lets trial calls through (half-open); SuccessThreshold trial
// successes close it again and any trial failure reopens it.
type CircuitBreaker struct {
	cfg config.CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	onChange func(from, to BreakerState)
	stats    BreakerStats
	openedAt time.Time
	windowAt time.Time
}

// NewCircuitBreaker applies defaults of 5 failures, 2 trial successes and a
// 30s open period. Rate-based tripping stays off unless both the threshold
// and the window are set.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.windowAt = cb.now()
	return cb
}

// OnStateChange sets the transition hook. It runs after the breaker's lock is
// released, so it may call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow returns ErrBreakerOpen while calls must not be attempted.
func (cb *CircuitBreaker) Allow() error {
	if cb.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (cb *CircuitBreaker) State() BreakerState {
	return cb.Stats().State
}

// Stats returns the breaker's counters, promoting an expired open breaker
// to half-open first.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	notify := cb.expireOpen()
	cb.rollWindow()
	stats := cb.stats
	cb.mu.Unlock()
	notify()
	return stats
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.update(func() BreakerState {
		switch cb.stats.State {
		case BreakerClosed:
			cb.stats.ConsecutiveFailures = 0
			cb.countInWindow(false)
		case BreakerHalfOpen:
			cb.stats.HalfOpenSuccesses++
			if cb.stats.HalfOpenSuccesses >= cb.cfg.SuccessThreshold {
				return BreakerClosed
			}
		}
		return cb.stats.State
	})
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.update(func() BreakerState {
		switch cb.stats.State {
		case BreakerClosed:
			cb.stats.ConsecutiveFailures++
			cb.countInWindow(true)
			if cb.stats.ConsecutiveFailures >= cb.cfg.FailureThreshold || cb.rateTripped() {
				return BreakerOpen
			}
		case BreakerHalfOpen:
			return BreakerOpen
		}
		return cb.stats.State
	})
}

// update applies step under the lock, moves to the state it returns and
// fires the hook once unlocked.
func (cb *CircuitBreaker) update(step func() BreakerState) {
	cb.mu.Lock()
	expired := cb.expireOpen()
	moved := noop
	if next := step(); next != cb.stats.State {
		moved = cb.enter(next)
	}
	cb.mu.Unlock()
	expired()
	moved()
}

func noop() {}

// enter switches to state to and resets the counters that state starts
// from. Must be called with the lock held; the returned func fires the hook.
func (cb *CircuitBreaker) enter(to BreakerState) func() {
	from := cb.stats.State
	cb.stats = BreakerStats{State: to}
	cb.windowAt = cb.now()
	if to == BreakerOpen {
		cb.openedAt = cb.windowAt
	}
	if fn := cb.onChange; fn != nil && from != to {
		return func() { fn(from, to) }
	}
	return noop
}

func (cb *CircuitBreaker) expireOpen() func() {
	if cb.stats.State == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		return cb.enter(BreakerHalfOpen)
	}
	return noop
}

func (cb *CircuitBreaker) rateEnabled() bool {
	return cb.cfg.ErrorRateThreshold > 0 && cb.cfg.ErrorRateWindow > 0
}

func (cb *CircuitBreaker) rollWindow() {
	if cb.cfg.ErrorRateWindow > 0 && cb.now().Sub(cb.windowAt) > cb.cfg.ErrorRateWindow {
		cb.windowAt = cb.now()
		cb.stats.WindowRequests, cb.stats.WindowFailures = 0, 0
	}
}

func (cb *CircuitBreaker) countInWindow(failed bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	cb.rollWindow()
	cb.stats.WindowRequests++
	if failed {
		cb.stats.WindowFailures++
	}
}

func (cb *CircuitBreaker) rateTripped() bool {
	return cb.rateEnabled() &&
		cb.stats.WindowRequests >= minWindowSamples &&
		cb.stats.ErrorRate() >= cb.cfg.ErrorRateThreshold
}
