// Package circuit implements the failure-rate breaker that briefly takes the
// remote builder pool out of rotation when it is erroring.
package circuit

import (
	"sync"
	"time"

	"github.com/farmcc/farmcc/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes requests to the remote pool.
	StateClosed State = iota
	// StateOpen rejects remote dispatch outright; callers build locally.
	StateOpen
	// StateHalfOpen lets a limited number of probes through to test
	// whether the pool recovered.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains breaker configuration.
type Config struct {
	// ErrorThreshold is the failure rate in the closed state at which the
	// breaker trips. The rate is evaluated only once MinRequests have been
	// observed within the current interval.
	ErrorThreshold float64 `yaml:"error_threshold"`

	// MinRequests is the minimum sample size before the rate is trusted.
	MinRequests uint32 `yaml:"min_requests"`

	// Interval is the closed-state window over which counts accumulate.
	Interval time.Duration `yaml:"interval"`

	// Cooldown is the open-state period before half-open probing begins.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxProbes is the number of requests allowed through while half-open.
	MaxProbes uint32 `yaml:"max_probes"`

	// OnStateChange is called when the breaker transitions.
	OnStateChange func(from, to State) `yaml:"-"`
}

// Counts holds request outcome tallies for the current window.
type Counts struct {
	Requests uint32
	Failures uint32
}

func (c *Counts) clear() { *c = Counts{} }

// ErrRemoteAvoided is returned by Allow when the breaker is open.
var ErrRemoteAvoided = errors.New(errors.CodeRemoteUnavailable, "remote pool temporarily avoided")

// Breaker tracks remote build outcomes and decides whether the dispatcher
// should even attempt remote dispatch.
type Breaker struct {
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	now    func() time.Time
}

// New creates a breaker, applying defaults for zero values.
func New(config Config) *Breaker {
	if config.ErrorThreshold <= 0 || config.ErrorThreshold > 1 {
		config.ErrorThreshold = 0.5
	}
	if config.MinRequests == 0 {
		config.MinRequests = 5
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 15 * time.Second
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	b := &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// Allow reports whether a remote dispatch may proceed. When it returns an
// error the caller must route the build locally.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if state == StateOpen {
		return ErrRemoteAvoided
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return ErrRemoteAvoided
	}
	b.counts.Requests++
	return nil
}

// Report records the outcome of a remote dispatch previously admitted by
// Allow.
func (b *Breaker) Report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if err == nil {
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	switch state {
	case StateClosed:
		if b.counts.Requests >= b.config.MinRequests &&
			float64(b.counts.Failures)/float64(b.counts.Requests) >= b.config.ErrorThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Reset returns the breaker to the closed state with fresh counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
}

// currentState advances window/cooldown expiry. Callers hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}
