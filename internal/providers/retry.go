package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrTransientBackend wraps the last error once every retry attempt failed
// with a retryable error.
var ErrTransientBackend = errors.New("transient backend failure")

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// RetryConfig controls RetryDo.
type RetryConfig struct {
	Attempts       int           // total attempts including the first
	BaseDelay      time.Duration // delay before the second attempt; doubles after
	MaxDelay       time.Duration
	AttemptTimeout time.Duration // per-attempt deadline; 0 means none

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. Each attempt gets its own context bounded by
// AttemptTimeout. Cancellation of the parent ctx stops the loop immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(cfg, attempt, err)
		slog.Warn("backend call failed, retrying",
			"attempt", attempt, "max", attempts, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrTransientBackend, attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// backoffDelay is BaseDelay·2^(attempt-1), capped at MaxDelay. A server
// supplied Retry-After wins when it is longer.
func backoffDelay(cfg RetryConfig, attempt int, err error) time.Duration {
	d := cfg.BaseDelay << (attempt - 1)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > d {
		d = httpErr.RetryAfter
		if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	}
	return d
}

// IsRetryable reports whether err is worth another attempt: network
// failures, per-attempt timeouts, HTTP 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientBackend) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
