package infra

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject requests
	BreakerHalfOpen                     // testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker isolates a failing dependency: after FailureThreshold consecutive
// failures it rejects calls for Cooldown, then lets probes through until
// SuccessThreshold successes close it again.
type Breaker struct {
	name string
	mu   sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

// NewBreaker creates a circuit breaker with the given thresholds. Zero
// values fall back to 5 failures / 2 successes / 30s cooldown.
func NewBreaker(name string, failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Do runs op if the breaker allows it, recording the outcome. Terminal
// classification is the caller's business; every error counts as a failure.
func (b *Breaker) Do(op func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := op()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state for monitoring.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	slog.Info("circuit breaker reset", slog.String("name", b.name))
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			slog.Info("circuit breaker half-open", slog.String("name", b.name))
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			slog.Info("circuit breaker closed", slog.String("name", b.name))
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
			slog.Warn("circuit breaker open",
				slog.String("name", b.name),
				slog.Int("failures", b.failureCount))
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
		slog.Warn("circuit breaker open (probe failed)", slog.String("name", b.name))
	}
}
