package resilience

import (
	"strings"
	"time"
)

// Backoff strategy names accepted by FromRetryConfig.
const (
	BackoffExponential = "exponential"
	BackoffJittered    = "jittered"
)

// FromRetryConfig converts config values to a RetryConfig. Unknown strategy
// names fall back to exponential.
func FromRetryConfig(maxAttempts int, strategy string, baseSeconds float64, initialBackoffMs, maxBackoffMs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}

	switch strings.ToLower(strategy) {
	case BackoffJittered:
		initial := time.Second
		if initialBackoffMs > 0 {
			initial = time.Duration(initialBackoffMs) * time.Millisecond
		}
		jitter := jitterFraction
		if jitter < 0 {
			jitter = 0
		}
		cfg.Backoff = JitteredBackoff(initial, 2.0, cfg.MaxBackoff, jitter)
	default:
		base := baseSeconds
		if base < 1 {
			base = 2
		}
		cfg.Backoff = ExponentialBackoff(base, cfg.MaxBackoff)
	}
	return cfg
}
