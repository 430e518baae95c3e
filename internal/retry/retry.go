package retry

import (
	"context"
	"math"
	"time"
)

// Config configures exponential backoff retry behavior
type Config struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Delay after the first failure
	MaxDelay   time.Duration // Upper bound for any single delay
	Multiplier float64       // Exponential backoff multiplier
}

// Defaults
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
	DefaultMultiplier = 2.0
)

// DefaultConfig returns sensible defaults for platform and outbox retries
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
// Attempts below 1 are treated as the first attempt.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}

	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && (d > float64(c.MaxDelay) || math.IsInf(d, 1)) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Do executes fn with exponential backoff until it succeeds, MaxRetries attempts
// are used up, or ctx is cancelled. Errors for which retryable returns false are
// returned immediately; a nil retryable retries every error.
func Do[T any](ctx context.Context, config Config, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T

	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if attempt < attempts {
			timer := time.NewTimer(config.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, lastErr
}
