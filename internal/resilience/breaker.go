package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen reports a call that was short-circuited because the protected dependency is
// known to be failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls pass through; consecutive failures are counted.
	StateClosed BreakerState = iota
	// StateOpen fails calls immediately for the duration of the cooldown window.
	StateOpen
	// StateHalfOpen lets exactly one trial call through after the cooldown.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker. One Breaker instance must be shared by every call
// site of the dependency it protects, otherwise it cannot observe the failure pattern. In the
// closed state a run of consecutive failures opens the circuit; while open, calls fail without
// touching the network until the cooldown elapses; then a single trial call decides between
// closing the circuit and restarting the cooldown.
type Breaker struct {
	failureThreshold int
	cooldown         time.Duration

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	logger *slog.Logger
}

// NewBreaker creates a closed Breaker that opens after failureThreshold consecutive failures
// and stays open for the cooldown window.
func NewBreaker(failureThreshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		logger:           logger.With(slog.String("module", "breaker")),
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. When the circuit is open, fn is not invoked and ErrCircuitOpen
// is returned immediately. A canceled context counts as neither success nor failure, since the
// user walking away says nothing about the dependency's health.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	if errors.Is(err, context.Canceled) {
		b.release()
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// release undoes a half-open trial reservation without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false

	if success {
		b.consecutiveFailures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.setState(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.logger.Debug("Breaker state change",
		slog.String("from", b.state.String()),
		slog.String("to", s.String()),
	)
	b.state = s
}
