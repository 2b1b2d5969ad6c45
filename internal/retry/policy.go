// Package retry holds the retry/backoff policy shared by the outbox processor
// and by retryable saga steps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Shape selects how the delay grows between attempts.
type Shape string

const (
	Constant    Shape = "constant"
	Linear      Shape = "linear"
	Exponential Shape = "exponential"
)

// JitterFraction is the upper bound of the random perturbation added to a delay.
const JitterFraction = 0.2

const maxShift = 62

// ParseShape accepts the config spelling of a shape (case-insensitive).
func ParseShape(raw string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(raw))) {
	case Constant:
		return Constant, nil
	case Linear:
		return Linear, nil
	case Exponential, "":
		return Exponential, nil
	default:
		return "", fmt.Errorf("retry: unknown backoff shape %q", raw)
	}
}

// Policy is a declarative retry configuration. The zero value makes exactly
// one attempt with no delay.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	Shape       Shape
	Jitter      bool
	// MaxDelay caps each individual delay. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable, when non-empty, restricts retries to errors matching one of
	// these targets via errors.Is.
	Retryable []error
	// NonRetryable errors always stop the loop, even when also Retryable.
	NonRetryable []error
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
}

// Delay returns the wait before retry number n (1-based): Constant waits
// BaseDelay, Linear BaseDelay*n, Exponential BaseDelay*2^n.
func (p Policy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}

	var d time.Duration
	switch p.Shape {
	case Constant:
		d = p.BaseDelay
	case Linear:
		d = mul(p.BaseDelay, int64(n))
	default:
		shift := n
		if shift > maxShift {
			shift = maxShift
		}
		d = mul(p.BaseDelay, int64(1)<<shift)
	}

	if p.Jitter {
		d += time.Duration(rand.Float64() * JitterFraction * float64(d))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func mul(base time.Duration, factor int64) time.Duration {
	if factor > 0 && int64(base) > math.MaxInt64/factor {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * factor)
}

// ShouldRetry classifies err. NonRetryable wins over Retryable.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range p.NonRetryable {
		if errors.Is(err, target) {
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if len(p.Retryable) == 0 {
		return true
	}
	for _, target := range p.Retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry: wait interrupted: %w", ctx.Err())
	}
}

// Do runs fn under p. attempt is 1-based. It returns nil on the first
// success, or the last error once attempts run out, a non-retryable error
// shows up, or ctx is cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	return p.DoWith(ctx, Sleep, fn)
}

// DoWith is Do with an injectable Sleeper.
func (p Policy) DoWith(ctx context.Context, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}

	maxAttempts := p.Attempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.runAttempt(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || !p.ShouldRetry(err) {
			break
		}
		if waitErr := sleep(ctx, p.Delay(attempt)); waitErr != nil {
			return fmt.Errorf("%w (last error: %v)", waitErr, lastErr)
		}
	}

	return lastErr
}

func (p Policy) runAttempt(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if p.Timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}
