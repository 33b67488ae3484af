// Package circuit implements a small circuit breaker for outbound calls.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents breaker state.
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

// ErrCircuitOpen is returned without invoking the wrapped call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker trips after MaxFailures consecutive failures and probes again
// after Timeout.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// Config holds circuit breaker configuration.
type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		timeout:     cfg.Timeout,
		state:       StateClosed,
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.record(false)
		return err
	}

	b.record(true)
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastFailure) <= b.timeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.state = StateClosed
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
	}
}
