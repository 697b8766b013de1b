// Package resilience provides the bounded retry scheduler used for every
// provider call, plus error classification for logging.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// BackoffFunc returns the delay before retry number attempt (1-based: the
// delay after the first failed attempt is BackoffFunc(1)).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns base^attempt seconds, capped at maxDelay. With
// base 2 this matches a 2s, 4s, 8s, ... schedule.
func ExponentialBackoff(base float64, maxDelay time.Duration) BackoffFunc {
	if base < 1 {
		base = 2
	}
	return func(attempt int) time.Duration {
		secs := math.Pow(base, float64(attempt))
		d := time.Duration(secs * float64(time.Second))
		if secs*float64(time.Second) > float64(maxDelay) || d < 0 {
			return maxDelay
		}
		return d
	}
}

// JitteredBackoff returns initial*multiplier^(attempt-1) capped at maxDelay,
// with ±jitterFraction random jitter applied after capping.
func JitteredBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration, jitterFraction float64) BackoffFunc {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return func(attempt int) time.Duration {
		delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
		if jitterFraction > 0 {
			jitterRange := delay * jitterFraction
			delay += (rand.Float64()*2 - 1) * jitterRange
		}
		if delay < 0 {
			delay = 0
		}
		return time.Duration(delay)
	}
}

// RetryConfig controls the scheduler.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 10.
	MaxAttempts int

	// Backoff computes the sleep between attempts. Default:
	// ExponentialBackoff(2, MaxBackoff).
	Backoff BackoffFunc

	// MaxBackoff caps any single sleep and bounds the total suspension at
	// MaxBackoff*(MaxAttempts-1). Default: 60s.
	MaxBackoff time.Duration

	// ShouldRetry optionally stops retrying early. If nil every error is
	// retried.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the 1-based index of the
	// attempt that failed and its error.
	OnRetry func(attempt int, err error)

	// Operation names the call in logs.
	Operation string
}

// DefaultRetryConfig returns the settings used for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 10,
		MaxBackoff:  60 * time.Second,
		Backoff:     ExponentialBackoff(2, 60*time.Second),
		Operation:   "inference",
	}
}

// Outcome is the result of a scheduled operation. OK == false is the soft
// "no result" marker: the caller records it and moves on.
type Outcome[T any] struct {
	Value    T
	OK       bool
	Attempts int
	Err      error
}

// Canceled reports whether the operation stopped because its context ended.
func (o Outcome[T]) Canceled() bool {
	return o.Err != nil && (errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded))
}

// Scheduler runs operations with bounded retries and blocking backoff.
type Scheduler struct {
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler, filling unset config with defaults.
func NewScheduler(cfg RetryConfig) *Scheduler {
	return &Scheduler{cfg: applyDefaults(cfg), sleep: sleepContext}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() RetryConfig {
	return s.cfg
}

// WithOnRetry returns a copy of the scheduler that reports retries to fn.
func (s *Scheduler) WithOnRetry(fn func(attempt int, err error)) *Scheduler {
	cp := *s
	cp.cfg.OnRetry = fn
	return &cp
}

// Execute runs op until it succeeds, the attempt budget is spent, or ctx
// ends. It never returns an error directly: failures are reported through
// the Outcome. Cancellation is checked before every attempt and interrupts
// the backoff sleep.
func Execute[T any](ctx context.Context, s *Scheduler, op func(ctx context.Context) (T, error)) Outcome[T] {
	cfg := s.cfg
	var out Outcome[T]

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		out.Attempts = attempt
		val, err := op(ctx)
		if err == nil {
			out.Value = val
			out.OK = true
			out.Err = nil
			return out
		}
		out.Err = err

		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			zap.L().Warn("operation failed with non-retryable error",
				zap.String("operation", cfg.Operation),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return out
		}

		// Don't sleep after the last attempt.
		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := cfg.Backoff(attempt)
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
		zap.L().Warn("retrying operation",
			zap.String("operation", cfg.Operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.String("class", string(ClassifyError(err))),
			zap.Error(err),
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		if err := s.sleep(ctx, delay); err != nil {
			out.Err = err
			return out
		}
	}

	zap.L().Error("operation exhausted retries",
		zap.String("operation", cfg.Operation),
		zap.Int("attempts", out.Attempts),
		zap.Error(out.Err),
	)
	return out
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(2, cfg.MaxBackoff)
	}
	if cfg.Operation == "" {
		cfg.Operation = "inference"
	}
	return cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt with
// the request it belongs to.
func RetryLogger(query, entity string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Debug("annotation call retry",
			zap.String("query", query),
			zap.String("entity", entity),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
