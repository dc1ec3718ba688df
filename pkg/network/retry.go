package network

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellcache_fetch_retries_total",
		Help: "Total number of fetch retry attempts",
	})

	fetchRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shellcache_fetch_retry_backoff_seconds",
		Help:    "Backoff duration before fetch retries",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	fetchRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellcache_fetch_retry_exhausted_total",
		Help: "Total number of fetches that exhausted their retry attempts",
	})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration: a single
// attempt, which is what a browser fetch does.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryWithBackoff executes fn with exponential backoff. fn reports the class
// of its failure; only retryable classes are attempted again. It respects
// context cancellation and adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func() (ErrorClass, error)) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		class, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !shouldRetry(class) {
			return lastErr
		}

		// If this was the last attempt, don't wait
		if attempt >= config.MaxAttempts {
			break
		}

		fetchRetriesTotal.Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		fetchRetryBackoffSeconds.Observe(jitter.Seconds())

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying fetch after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	if config.MaxAttempts == 1 {
		return lastErr
	}

	fetchRetryExhaustedTotal.Inc()
	logger.Warn().
		Err(lastErr).
		Int("max_attempts", config.MaxAttempts).
		Msg("Fetch retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
