package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts     int           // Maximum number of attempts, first one included (default: 3)
	InitialDelay    time.Duration // Delay before the first retry (default: 1s)
	MaxDelay        time.Duration // Maximum delay between retries (default: 30s)
	Multiplier      float64       // Exponential backoff multiplier (default: 2.0)
	Jitter          float64       // Fraction of each delay that is randomized, 0..1 (default: 0.2)
	RetryableErrors []string      // List of error substrings that are retryable
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"connection lost",
			"broken pipe",
			"timeout",
			"network is unreachable",
			"no such host",
			"temporary failure",
			"code: 999", // ClickHouse: Connection lost
			"code: 241", // ClickHouse: Memory limit exceeded (can be temporary)
			"code: 159", // ClickHouse: Timeout exceeded
			"code: 160", // ClickHouse: Unknown packet from server
			"code: 210", // ClickHouse: Connection pool timeout
		},
	}
}

// TransientError marks an error as safe to retry
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so that IsRetryableError reports true for it
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an error as never retryable, whatever its message says
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that IsRetryableError reports false for it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error, cfg Config) bool {
	if err == nil {
		return false
	}

	// Explicit markers win over any heuristics
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return true
	}

	// Per-call timeouts are transient; parent cancellation is checked by Do
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Don't retry on syntax errors (ClickHouse code: 62), validation errors, etc.
	if strings.Contains(errStr, "code: 62") || strings.Contains(errStr, "syntax error") {
		return false
	}

	// Check error message for retryable patterns
	for _, pattern := range cfg.RetryableErrors {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// DoWithResult executes a function that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Check context cancellation
		if ctx.Err() != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("context cancelled after %d attempts: %w", attempt-1, lastErr)
			}
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		}

		// Execute operation
		result, err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		lastErr = err

		// Check if error is retryable
		if !IsRetryableError(err, cfg) {
			log.Debug().
				Err(err).
				Int("attempt", attempt).
				Msg("Error is not retryable, aborting")
			return zero, err
		}

		// Don't retry on last attempt
		if attempt >= maxAttempts {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("Max retry attempts reached")
			return zero, &ExhaustedError{Attempts: maxAttempts, Err: err}
		}

		wait := withJitter(delay, cfg.Jitter)

		// Log retry attempt
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_delay", wait).
			Msg("Operation failed, retrying")

		// Wait before retry
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", lastErr)
		case <-timer.C:
		}

		// Calculate next delay with exponential backoff
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// withJitter shortens d by a random share of up to jitter*d
func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	return d - time.Duration(rand.Float64()*jitter*float64(d))
}
