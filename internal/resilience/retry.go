// Package resilience provides retry with backoff and an API circuit breaker
// for calls to the survey API.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 4.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 300ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.
	JitterFraction float64

	// RetryableStatuses lists the HTTP statuses worth retrying when an attempt
	// fails with a StatusError. Empty means IsTransientHTTPStatus decides.
	RetryableStatuses []int

	// AttemptTimeout bounds each attempt separately. A timed-out attempt is
	// retried; cancellation of the parent context is not. Zero disables it.
	AttemptTimeout time.Duration

	// ShouldRetry optionally overrides the default classification.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number, the
	// delay about to be waited and the error that caused the retry.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the retry policy used for survey API calls:
// three retries on 500/502/504/429 with 0.3s doubling backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    300 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2.0,
		RetryableStatuses: []int{429, 500, 502, 504},
	}
}

// Do executes fn with retry logic according to cfg.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn with retry logic and returns the value of the successful
// call. Errors are returned as:
//   - the parent context's error if ctx is cancelled,
//   - a *PermanentError for failures the policy does not retry,
//   - a *RetriesExhaustedError once MaxAttempts retryable failures occurred.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := runAttempt(ctx, cfg, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, eris.Wrapf(ctx.Err(), "resilience: cancelled after %d attempts", attempt+1)
		}

		if !cfg.retryable(lastErr) {
			return zero, Permanent(lastErr)
		}

		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, eris.Wrapf(err, "resilience: cancelled after %d attempts", attempt+1)
		}
	}

	return zero, &RetriesExhaustedError{Attempts: cfg.MaxAttempts, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return WithAttemptTimeout(ctx, cfg.AttemptTimeout, fn)
}

// WithAttemptTimeout runs fn under its own deadline. If that deadline (and not
// ctx) ends the call, the error is marked transient so the attempt is retried.
// A non-positive timeout runs fn directly.
func WithAttemptTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	val, err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = NewTransientError(eris.Wrapf(err, "attempt timed out after %s", timeout), 0)
	}
	return val, err
}

func (cfg RetryConfig) retryable(err error) bool {
	if cfg.ShouldRetry != nil {
		return cfg.ShouldRetry(err)
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if len(cfg.RetryableStatuses) == 0 {
			return IsTransientHTTPStatus(se.Code)
		}
		return slices.Contains(cfg.RetryableStatuses, se.Code)
	}
	return IsTransient(err)
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 300 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return cfg
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the wait before retry number attempt+1 (attempt is zero
// based): InitialBackoff * Multiplier^attempt, capped at MaxBackoff, before jitter.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	return computeBackoff(attempt, cfg)
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
}
