package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
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

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the protected transport ("chat", "push", "email", "webhook").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the number of probes allowed while half-open.
	HalfOpenMaxRequests int

	// OnStateChange, when set, is called after every transition with the
	// lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults used for delivery transports.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops calling a delivery transport that keeps failing, so
// a dead downstream fails records fast instead of stalling the batch.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: cfg.Now(),
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.totalRequests++

	var (
		allowed bool
		from    State
		changed bool
	)

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if cb.config.Now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			from, changed = cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			allowed = true
		} else {
			cb.totalRejected++
		}

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			allowed = true
		} else {
			cb.totalRejected++
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess records a successful call. A successful probe closes the
// circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++
	cb.failureCount = 0

	var from State
	var changed bool
	if cb.state == StateHalfOpen {
		from, changed = cb.transitionTo(StateClosed)
	}
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit breaker closed, transport recovered",
			zap.String("name", cb.config.Name),
		)
		cb.notify(from, StateClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.config.Now()

	var from State
	var changed bool
	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			from, changed = cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		from, changed = cb.transitionTo(StateOpen)
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if changed {
		cb.logger.Warn("circuit breaker opened",
			zap.String("name", cb.config.Name),
			zap.String("from", from.String()),
			zap.Int("failures", failures),
			zap.Int("threshold", cb.config.MaxFailures),
		)
		cb.notify(from, StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot for logs and dashboards.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState State) (State, bool) {
	if cb.state == newState {
		return cb.state, false
	}
	old := cb.state
	cb.state = newState
	cb.lastStateChange = cb.config.Now()
	cb.halfOpenRequests = 0
	return old, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
