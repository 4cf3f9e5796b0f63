// Package retry runs provider and chain calls with bounded exponential backoff
// and polls long-running jobs until they reach a terminal state.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPollTimeout is returned when Poll does not observe a terminal result before the deadline.
var ErrPollTimeout = errors.New("poll timed out")

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Policy controls Do. Zero values fall back to DefaultPolicy.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Retryable func(error) bool
}

// DefaultPolicy: 3 attempts, 2s base delay doubling each attempt, transient errors only.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 2 * time.Second, Retryable: IsTransient}
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned wrapped with the attempt count.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}

	var zero T
	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.Retryable(err) || attempt == p.Attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
	}
	return zero, fmt.Errorf("after %d attempt(s): %w", p.Attempts, lastErr)
}

// PollConfig controls Poll. Zero values fall back to 5s interval and 300s timeout.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Poll calls check until it reports done, returns an error, or the timeout elapses.
// A non-nil error from check stops polling immediately.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(context.Context) (T, bool, error)) (T, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	var zero T
	deadline := time.Now().Add(cfg.Timeout)
	for {
		v, done, err := check(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
		if time.Now().Add(cfg.Interval).After(deadline) {
			return zero, fmt.Errorf("%w after %s", ErrPollTimeout, cfg.Timeout)
		}
		if err := sleep(ctx, cfg.Interval); err != nil {
			return zero, err
		}
	}
}

// IsTransient reports whether err is rate limiting, a service-unavailable response or
// a reset connection. Timeouts and gateway errors are excluded: the request may
// have been accepted upstream, and repeating a billed submit could start it twice.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsTransientStatus(sc.StatusCode())
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "too many requests", "service unavailable", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsTransientStatus is IsTransient for a bare HTTP status code.
func IsTransientStatus(code int) bool {
	return code == 429 || code == 503
}

// IsTransientRead widens IsTransient with timeouts and gateway errors. Use it only
// for idempotent reads such as job status polls.
func IsTransientRead(err error) bool {
	if IsTransient(err) {
		return true
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() == 502 || sc.StatusCode() == 504
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
