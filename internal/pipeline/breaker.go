package pipeline

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes calls through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately.
	BreakerOpen
	// BreakerHalfOpen allows a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip Closed -> Open.
	FailureThreshold int
	// ResetTimeout is how long Open waits before allowing a probe.
	ResetTimeout time.Duration
	// ProbeSuccesses successful probes close a Half-Open breaker.
	ProbeSuccesses int
}

// DefaultBreaker is the balanced preset.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, ProbeSuccesses: 2}
}

// AggressiveBreaker trips early and recovers slowly. Suited to sinks whose
// failures are expensive, like remote embedding providers.
func AggressiveBreaker() BreakerConfig {
	return BreakerConfig{FailureThreshold: 2, ResetTimeout: 60 * time.Second, ProbeSuccesses: 3}
}

// LenientBreaker tolerates flaky sinks and probes quickly.
func LenientBreaker() BreakerConfig {
	return BreakerConfig{FailureThreshold: 10, ResetTimeout: 10 * time.Second, ProbeSuccesses: 1}
}

// Breaker is a three-state circuit breaker guarding one sink.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a Closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, applying the Open -> Half-Open timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow reports whether a call may proceed. In Half-Open only one probe is
// admitted at a time; its outcome decides the next transition.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure notes a failed call. Any Half-Open failure reopens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case BreakerHalfOpen:
		b.probing = false
		b.tripLocked()
	}
}

// Trip forces the breaker Open, used when a sink's retry queue overflows.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked()
}

func (b *Breaker) tripLocked() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probing = false
}

// maybeHalfOpenLocked applies the reset timeout.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.probing = false
	}
}
