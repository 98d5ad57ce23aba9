package errors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig is an exponential backoff policy. The same policy drives
// in-process retries (Retry) and the indexer's spacing of re-probes for
// cloud files that are not downloaded yet (Backoff).
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter scales each wait by a random factor in [0.5, 1).
	Jitter bool
}

// DefaultRetryConfig is the policy for short local contention, such as a
// busy file lock.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
}

// DefaultDeferralConfig is the policy for cloud files that are not yet
// downloaded: retried on later indexing runs, giving up after MaxRetries.
func DefaultDeferralConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   10,
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
	}
}

// Backoff returns the delay to wait after the given number of failed
// attempts (1-based). Attempts <= 0 yield zero.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

func (c RetryConfig) wait(attempt int) time.Duration {
	d := c.Backoff(attempt)
	if c.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Retry returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// retryable reports whether Retry should try again after err. Yiana
// errors carry their own verdict; other errors are assumed transient.
func retryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var ye *YianaError
	if errors.As(err, &ye) {
		return ye.Retryable
	}
	return true
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxRetries retries have failed. Waits follow Backoff. A cancelled
// context ends the loop with the context error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.wait(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			var p *permanentError
			if errors.As(lastErr, &p) {
				return p.err
			}
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
