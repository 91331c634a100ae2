// Package breaker implements named circuit breakers guarding calls to
// external services. A breaker trips after a run of consecutive failures,
// fails fast while open, probes in half-open, and doubles its open timeout
// when half-open probes keep failing.
package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Names of the breakers the engine requires at start.
const (
	NameBrokerOrders     = "broker:orders"
	NameBrokerMarketData = "broker:marketData"
	NameBrokerAuth       = "broker:auth"
)

// Default timeout caps.
const (
	maxOpenTimeout = 5 * time.Minute
	// halfOpenEscalation is the number of half-open failures after which the
	// open timeout starts doubling.
	halfOpenEscalation = 3
)

// OpenError is returned when a call is rejected because the breaker is open.
type OpenError struct {
	Name      string
	NextRetry time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, next retry at %s",
		e.Name, e.NextRetry.Format(time.RFC3339))
}

// Settings configures a breaker.
type Settings struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	BaseTimeout      time.Duration // initial open window
	OnStateChange    func(name string, from, to State)
	Logger           *log.Logger
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	baseTimeout      time.Duration
	onStateChange    func(name string, from, to State)
	logger           *log.Logger

	state                State
	failures             int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	currentTimeout       time.Duration
	halfOpenFailures     int

	now func() time.Time
}

// New creates a breaker from settings, applying defaults for zero values.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.BaseTimeout <= 0 {
		s.BaseTimeout = 60 * time.Second
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
	return &Breaker{
		name:             s.Name,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		baseTimeout:      s.BaseTimeout,
		onStateChange:    s.OnStateChange,
		logger:           s.Logger,
		state:            StateClosed,
		currentTimeout:   s.BaseTimeout,
		now:              time.Now,
	}
}

// Execute runs fn unless the breaker denies it, counts the outcome and
// updates breaker state. When open and the timeout has not elapsed it
// returns *OpenError without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextRetry returns when an open breaker will next allow a probe. Zero time
// when not open.
func (b *Breaker) NextRetry() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.lastFailureTime.Add(b.currentTimeout)
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	retryAt := b.lastFailureTime.Add(b.currentTimeout)
	if b.now().Before(retryAt) {
		return &OpenError{Name: b.name, NextRetry: retryAt}
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		// An *OpenError from a nested breaker still counts as a failure of
		// the wrapped call; callers should not nest breakers.
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.currentTimeout = b.baseTimeout
			b.failures = 0
			b.halfOpenFailures = 0
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.lastFailureTime = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenFailures++
		if b.halfOpenFailures >= halfOpenEscalation {
			b.currentTimeout *= 2
			if b.currentTimeout > maxOpenTimeout {
				b.currentTimeout = maxOpenTimeout
			}
		}
		b.lastFailureTime = b.now()
		b.transition(StateOpen)
	}
}

// transition assumes b.mu is held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.consecutiveSuccesses = 0
	b.logger.Printf("circuit breaker %s: %s -> %s", b.name, from, to)
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
