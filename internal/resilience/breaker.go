// Package resilience keeps a failing upstream from being hammered.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Group] orders several upstreams of one type, each behind its own
// breaker, and [Call] tries them in turn until one answers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen lets a limited number of probes through.
	StateHalfOpen
)

// String returns the state name.
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

// Defaults for zero [BreakerConfig] fields.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	succeeded int
}

// NewBreaker returns a closed Breaker. Zero config fields take the package
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		now:         cfg.Now,
	}
}

// Do runs fn unless the breaker is open. fn's error counts as a failure
// unless keep reports it as the caller's fault; keep may be nil.
func (b *Breaker) Do(fn func() error, keep func(error) bool) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	ferr := fn()
	b.record(probe, ferr == nil || (keep != nil && keep(ferr)))
	return ferr
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.succeeded = 0, 0
		slog.Info("resilience: breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.succeeded >= b.probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.inFlight--
		if b.state != StateHalfOpen {
			return
		}
		if !ok {
			b.trip()
			return
		}
		b.succeeded++
		if b.succeeded >= b.probes {
			b.state = StateClosed
			b.failures = 0
			slog.Info("resilience: breaker closed", "name", b.name)
		}
		return
	}

	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.trip()
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("resilience: breaker opened", "name", b.name, "failures", b.failures)
}

// State returns the current state. An open breaker whose cooldown has
// passed reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.inFlight, b.succeeded = 0, 0, 0
}
