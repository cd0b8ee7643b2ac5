// Package resilience provides the circuit breaker guarding outbound SMTP
// hosts. A host that keeps failing stops receiving dial attempts until a
// cool-down elapses and a probe succeeds.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the host.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed is the normal operating state - deliveries flow through.
	StateClosed State = iota
	// StateOpen is the failing state - deliveries are rejected immediately.
	StateOpen
	// StateHalfOpen is the recovery state - limited probe deliveries allowed.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies this breaker, normally the outbound host.
	Name string

	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int64

	// SuccessThreshold is the number of successes in half-open state to close.
	SuccessThreshold int64

	// Timeout is the cool-down before an open circuit allows a probe.
	Timeout time.Duration

	// HalfOpenMaxCalls limits concurrent probes in half-open state.
	HalfOpenMaxCalls int64

	// ExecutionTimeout bounds a single call (0 = caller's context only).
	ExecutionTimeout time.Duration

	// OnStateChange is called when state transitions occur.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error should count against the host.
	// If nil, all non-nil errors count. Outbound delivery passes a
	// predicate here so permanent SMTP rejections (the host answered
	// fine) do not open the circuit.
	IsFailure func(err error) bool
}

// DefaultConfig returns defaults tuned for outbound mail hosts.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	config Config

	state           int32 // atomic State
	failureCount    int64 // atomic
	successCount    int64 // atomic
	halfOpenCalls   int64 // atomic
	lastFailureTime int64 // atomic (unix nano)
	lastStateChange int64 // atomic (unix nano)

	mu sync.Mutex // serializes transitions
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 2
	}

	return &CircuitBreaker{
		config:          cfg,
		state:           int32(StateClosed),
		lastStateChange: time.Now().UnixNano(),
	}
}

// Execute runs fn through the breaker. An open circuit rejects with
// ErrCircuitOpen before fn runs. fn must honor ctx cancellation; delivery
// attempts do, via their dial and command deadlines.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("function is nil")
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	if cb.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.ExecutionTimeout)
		defer cancel()
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// beforeRequest checks if the request should be allowed.
func (cb *CircuitBreaker) beforeRequest() error {
	state := State(atomic.LoadInt32(&cb.state))

	switch state {
	case StateClosed:
		return nil

	case StateOpen:
		lastFailure := time.Unix(0, atomic.LoadInt64(&cb.lastFailureTime))
		if time.Since(lastFailure) >= cb.config.Timeout {
			cb.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		calls := atomic.AddInt64(&cb.halfOpenCalls, 1)
		if calls > cb.config.HalfOpenMaxCalls {
			atomic.AddInt64(&cb.halfOpenCalls, -1)
			return ErrCircuitOpen
		}
		return nil

	default:
		return nil
	}
}

// afterRequest records the result of the request.
func (cb *CircuitBreaker) afterRequest(err error) {
	isFailure := err != nil
	if cb.config.IsFailure != nil && err != nil {
		isFailure = cb.config.IsFailure(err)
	}

	state := State(atomic.LoadInt32(&cb.state))

	switch state {
	case StateClosed:
		if isFailure {
			failures := atomic.AddInt64(&cb.failureCount, 1)
			atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

			if failures >= cb.config.FailureThreshold {
				cb.transitionTo(StateOpen)
			}
		} else {
			// A healthy answer clears the streak.
			atomic.StoreInt64(&cb.failureCount, 0)
		}

	case StateHalfOpen:
		atomic.AddInt64(&cb.halfOpenCalls, -1)

		if isFailure {
			// Any failed probe goes straight back to open.
			atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
			cb.transitionTo(StateOpen)
		} else {
			successes := atomic.AddInt64(&cb.successCount, 1)
			if successes >= cb.config.SuccessThreshold {
				cb.transitionTo(StateClosed)
			}
		}

	case StateOpen:
		if isFailure {
			atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
		}
	}
}

// transitionTo changes the circuit breaker state and resets counters.
func (cb *CircuitBreaker) transitionTo(newState State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := State(atomic.LoadInt32(&cb.state))
	if oldState == newState {
		return
	}

	atomic.StoreInt64(&cb.failureCount, 0)
	atomic.StoreInt64(&cb.successCount, 0)
	atomic.StoreInt64(&cb.halfOpenCalls, 0)
	atomic.StoreInt64(&cb.lastStateChange, time.Now().UnixNano())
	atomic.StoreInt32(&cb.state, int32(newState))

	if cb.config.OnStateChange != nil {
		// Callbacks log or count; run them off the delivery path.
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.state))
}

// Stats contains circuit breaker statistics.
type Stats struct {
	State           State
	FailureCount    int64
	SuccessCount    int64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	return Stats{
		State:           State(atomic.LoadInt32(&cb.state)),
		FailureCount:    atomic.LoadInt64(&cb.failureCount),
		SuccessCount:    atomic.LoadInt64(&cb.successCount),
		LastFailureTime: time.Unix(0, atomic.LoadInt64(&cb.lastFailureTime)),
		LastStateChange: time.Unix(0, atomic.LoadInt64(&cb.lastStateChange)),
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
}

// Registry holds one breaker per outbound host, created on first use.
type Registry struct {
	breakers sync.Map
	config   func(host string) Config
	mu       sync.Mutex
}

// NewRegistry creates a registry. The factory builds the per-host config;
// a nil factory falls back to DefaultConfig.
func NewRegistry(factory func(host string) Config) *Registry {
	if factory == nil {
		factory = DefaultConfig
	}
	return &Registry{config: factory}
}

// Get returns the circuit breaker for the given host, creating it if
// necessary. Safe for concurrent use.
func (r *Registry) Get(host string) *CircuitBreaker {
	if host == "" {
		return nil
	}

	if cb, ok := r.breakers.Load(host); ok {
		return cb.(*CircuitBreaker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the lock
	if cb, ok := r.breakers.Load(host); ok {
		return cb.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(r.config(host))
	r.breakers.Store(host, cb)
	return cb
}

// Remove drops the breaker for a host.
func (r *Registry) Remove(host string) {
	r.breakers.Delete(host)
}

// All returns a snapshot of the registered breakers keyed by host.
func (r *Registry) All() map[string]*CircuitBreaker {
	result := make(map[string]*CircuitBreaker)
	r.breakers.Range(func(key, value interface{}) bool {
		result[key.(string)] = value.(*CircuitBreaker)
		return true
	})
	return result
}

// Reset resets every breaker in the registry.
func (r *Registry) Reset() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
}

// Count returns the number of breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
