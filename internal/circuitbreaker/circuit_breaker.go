// Package circuitbreaker guards the best-effort restaurant-name lookups in
// the statement aggregator: once the catalog starts failing, lookups are
// short-circuited and the aggregator falls back to cached names instead of
// hammering a dead collaborator.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

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

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
}

type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	maxRequests int

	mutex        sync.Mutex
	state        State
	failures     int
	requests     int
	lastFailTime time.Time

	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}

	return &CircuitBreaker{
		name:        config.Name,
		maxFailures: config.MaxFailures,
		timeout:     config.Timeout,
		maxRequests: config.MaxRequests,
		state:       StateClosed,
		logger:      logger,
	}
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mutex.Lock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailTime) > cb.timeout {
			cb.setState(StateHalfOpen)
			cb.requests = 0
		} else {
			cb.mutex.Unlock()
			return ErrCircuitBreakerOpen
		}
	}

	if cb.state == StateHalfOpen && cb.requests >= cb.maxRequests {
		cb.mutex.Unlock()
		return ErrCircuitBreakerOpen
	}

	if cb.state == StateHalfOpen {
		cb.requests++
	}
	cb.mutex.Unlock()

	err := fn()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.requests = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
	} else if cb.state == StateHalfOpen {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Info("Circuit breaker state changed")
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.requests = 0
	cb.lastFailTime = time.Time{}
}
