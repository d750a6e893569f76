// Package retry provides retry logic with exponential backoff for remote
// dispatch operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/farmcc/farmcc/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the factor by which the delay grows after each retry.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomizes the delay to avoid synchronized retries from many
	// clients hitting the same builder.
	Jitter bool `yaml:"jitter"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultConfig returns the retry configuration used for remote dispatch.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, applying defaults for zero values.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is done. When ctx is done a CANCELLED error is
// returned; otherwise the last error from fn is returned.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.CodeCancelled, "retry aborted", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.CodeCancelled, "retry aborted", ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		// Up to 25% either way.
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

func retryable(err error) bool {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Unstructured errors from the transport are treated as transient.
	return true
}
