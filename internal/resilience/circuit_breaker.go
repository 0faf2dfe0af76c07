package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the cumulative failure count since the last
	// transition to closed that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a state query or
	// call attempt moves it to half-open.
	Timeout time.Duration
	// WindowSize bounds the recent-outcomes FIFO used for failure-rate
	// reporting. The window never influences state transitions.
	WindowSize int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		WindowSize:       10,
	}
}

// Validate checks the configuration, returning a VALIDATION_ERROR on the
// first violation.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "success_threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.Timeout < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "timeout must be >= 0, got %s", c.Timeout)
	}
	if c.WindowSize < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "window_size must be >= 1, got %d", c.WindowSize)
	}
	return nil
}

// CircuitBreaker guards calls to a single named dependency.
//
// Failures accumulate across intervening successes while closed: only the
// transition back to closed clears the count. Successes are counted only in
// half-open. Every state transition resets both counters.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	window          *queue.Queue // recent call outcomes (bool), reporting only
	config          CircuitBreakerConfig
}

// NewCircuitBreaker validates the config and builds a breaker. Configuration
// violations are fatal.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		name:   name,
		state:  CircuitClosed,
		window: queue.New(),
		config: config,
	}, nil
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call invokes op through the breaker. If the circuit is open it returns a
// CIRCUIT_OPEN error without invoking op; otherwise the outcome is recorded
// and any error from op propagates unmodified.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// allow lazily refreshes state and rejects the call if the circuit is open.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refreshLocked()
	if cb.state == CircuitOpen {
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker %q open: %d failures, retry after %s",
			cb.name, cb.failureCount, cb.config.Timeout).
			WithDetails(map[string]any{
				"breaker":           cb.name,
				"state":             cb.state.String(),
				"failure_count":     cb.failureCount,
				"timeout_remaining": (cb.config.Timeout - time.Since(cb.lastFailureTime)).String(),
			})
	}
	return nil
}

// refreshLocked applies the lazy open → half-open transition.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Timeout {
		cb.transitionLocked(CircuitHalfOpen)
	}
}

// transitionLocked moves to a new state, resetting both counters.
func (cb *CircuitBreaker) transitionLocked(next CircuitState) {
	cb.state = next
	cb.failureCount = 0
	cb.successCount = 0
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pushOutcomeLocked(true)
	if cb.state == CircuitHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitClosed)
		}
	}
	// Closed: successes are recorded in the window only; the failure count
	// keeps accumulating until the circuit trips or re-closes.
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pushOutcomeLocked(false)
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.transitionLocked(CircuitOpen)
		return
	}
	cb.failureCount++
	if cb.failureCount >= cb.config.FailureThreshold {
		cb.transitionLocked(CircuitOpen)
	}
}

func (cb *CircuitBreaker) pushOutcomeLocked(success bool) {
	cb.window.Add(success)
	for cb.window.Length() > cb.config.WindowSize {
		cb.window.Remove()
	}
}

// State returns the current state, applying the lazy open → half-open
// transition first.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// Metrics returns diagnostic information about the breaker.
func (cb *CircuitBreaker) Metrics() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	failures := 0
	n := cb.window.Length()
	for i := 0; i < n; i++ {
		if ok, _ := cb.window.Get(i).(bool); !ok {
			failures++
		}
	}
	rate := 0.0
	if n > 0 {
		rate = float64(failures) / float64(n)
	}

	return map[string]any{
		"name":          cb.name,
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"success_count": cb.successCount,
		"failure_rate":  rate,
		"window_size":   n,
	}
}

// BreakerRegistry manages per-dependency circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewBreakerRegistry validates the shared config and builds a registry.
func NewBreakerRegistry(config CircuitBreakerConfig) (*BreakerRegistry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}, nil
}

// Get returns the breaker for the given dependency name, creating it on
// first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = &CircuitBreaker{
			name:   name,
			state:  CircuitClosed,
			window: queue.New(),
			config: r.config,
		}
		r.breakers[name] = cb
	}
	return cb
}

// Metrics returns diagnostics for every registered breaker, keyed by name.
func (r *BreakerRegistry) Metrics() map[string]map[string]any {
	r.mu.Lock()
	names := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		names = append(names, cb)
	}
	r.mu.Unlock()

	out := make(map[string]map[string]any, len(names))
	for _, cb := range names {
		out[cb.Name()] = cb.Metrics()
	}
	return out
}
