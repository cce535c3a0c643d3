package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
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
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long after the last failure an open circuit admits a trial call.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that close the circuit.
	SuccessThreshold int
	// HalfOpenMax bounds concurrent trial calls in half-open state. 0 means unbounded.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used for the step executor.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	}
}

// StateObserver is notified of every state transition, outside the breaker lock.
type StateObserver func(name string, from, to CircuitState)

// CircuitBreakerStatus is a point-in-time snapshot of one breaker.
type CircuitBreakerStatus struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     int        `json:"success_count"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
	FailureThreshold int        `json:"failure_threshold"`
	SuccessThreshold int        `json:"success_threshold"`
	RecoveryTimeout  float64    `json:"recovery_timeout_seconds"`
}

// CircuitBreaker is a failure-aware state machine protecting one named dependency.
// All state is guarded by mu.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	observer StateObserver
	now      func() time.Time

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	halfOpenInFlight int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Name returns the protected dependency name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call invokes fn if the circuit admits it and records the outcome.
// While open, Call fails fast with a CIRCUIT_OPEN error and fn is not invoked.
// A cancelled caller context is not counted as a dependency failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(trial, err)
	return err
}

func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	from, obs := cb.state, cb.observer

	if cb.state == CircuitOpen {
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed < cb.config.RecoveryTimeout {
			err := schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit breaker %s is open", cb.name).
				WithDetails(map[string]any{
					"breaker":       cb.name,
					"failure_count": cb.failureCount,
					"retry_in":      (cb.config.RecoveryTimeout - elapsed).String(),
				})
			cb.mu.Unlock()
			return false, err
		}
		cb.state = CircuitHalfOpen
		cb.successCount = 0
		cb.halfOpenInFlight = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.config.HalfOpenMax > 0 && cb.halfOpenInFlight >= cb.config.HalfOpenMax {
			cb.mu.Unlock()
			cb.notify(obs, from, CircuitHalfOpen)
			return false, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker %s is half-open: trial calls in flight", cb.name).
				WithDetails(map[string]any{"breaker": cb.name})
		}
		cb.halfOpenInFlight++
		trial = true
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(obs, from, to)
	return trial, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	from, obs := cb.state, cb.observer
	if trial && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	// Only trial calls update a tripped circuit.
	if !trial && cb.state != CircuitClosed {
		cb.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled):
		// Not the dependency's fault.
	default:
		cb.onFailure()
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(obs, from, to)
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit and restarts the recovery timer.
		cb.state = CircuitOpen
		cb.successCount = 0
	case CircuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}
	}
}

func (cb *CircuitBreaker) notify(obs StateObserver, from, to CircuitState) {
	if from != to && obs != nil {
		obs(cb.name, from, to)
	}
}

// State returns the current state. Open circuits move to half-open only on the next call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a diagnostic snapshot.
func (cb *CircuitBreaker) Status() CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := CircuitBreakerStatus{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout.Seconds(),
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime.UTC()
		st.LastFailure = &t
	}
	return st
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, obs := cb.state, cb.observer
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(obs, from, CircuitClosed)
}

// CircuitBreakerRegistry manages per-dependency circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	observer StateObserver
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// OnStateChange installs an observer on current and future breakers.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
	for _, cb := range r.breakers {
		cb.mu.Lock()
		cb.observer = fn
		cb.mu.Unlock()
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.config)
		cb.observer = r.observer
		r.breakers[name] = cb
	}
	return cb
}

// Lookup returns an existing breaker without creating one.
func (r *CircuitBreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Statuses returns snapshots of all breakers, sorted by name.
func (r *CircuitBreakerRegistry) Statuses() []CircuitBreakerStatus {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]CircuitBreakerStatus, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
