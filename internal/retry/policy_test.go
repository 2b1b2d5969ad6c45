package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestPolicy_DelayShapes(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		n     int
		want  time.Duration
	}{
		{"constant first", Constant, 1, 100 * time.Millisecond},
		{"constant third", Constant, 3, 100 * time.Millisecond},
		{"linear second", Linear, 2, 200 * time.Millisecond},
		{"linear third", Linear, 3, 300 * time.Millisecond},
		{"exponential first", Exponential, 1, 200 * time.Millisecond},
		{"exponential third", Exponential, 3, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{BaseDelay: 100 * time.Millisecond, Shape: tt.shape}
			assert.Equal(t, tt.want, p.Delay(tt.n))
		})
	}
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Shape: Exponential, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, p.Delay(10))
	assert.Equal(t, 3*time.Second, p.Delay(100))
}

func TestPolicy_JitterStaysWithinTwentyPercent(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Shape: Constant, Jitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1200*time.Millisecond)
	}
}

func TestPolicy_ZeroBaseDelayNeverWaits(t *testing.T) {
	assert.Zero(t, Policy{Shape: Exponential}.Delay(5))
}

func TestParseShape(t *testing.T) {
	s, err := ParseShape(" Linear ")
	require.NoError(t, err)
	assert.Equal(t, Linear, s)

	s, err = ParseShape("")
	require.NoError(t, err)
	assert.Equal(t, Exponential, s)

	_, err = ParseShape("fibonacci")
	require.Error(t, err)
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := Policy{Retryable: []error{errTransient, errFatal}, NonRetryable: []error{errFatal}}

	assert.True(t, p.ShouldRetry(errTransient))
	assert.True(t, p.ShouldRetry(errors.Join(errors.New("wrapped"), errTransient)))
	assert.False(t, p.ShouldRetry(errFatal), "non-retryable wins over retryable")
	assert.False(t, p.ShouldRetry(errors.New("unlisted")))
	assert.False(t, p.ShouldRetry(nil))

	open := Policy{}
	assert.True(t, open.ShouldRetry(errors.New("anything")))
	assert.False(t, open.ShouldRetry(context.Canceled))
}

func TestPolicy_DoSucceedsOnKthAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}
	calls := 0

	err := p.DoWith(context.Background(), noSleep, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_DoStopsAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	calls := 0

	err := p.DoWith(context.Background(), noSleep, func(context.Context, int) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_DoShortCircuitsNonRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 5, NonRetryable: []error{errFatal}}
	calls := 0

	err := p.DoWith(context.Background(), noSleep, func(context.Context, int) error {
		calls++
		return errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DoStopsWhenWaitIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Shape: Constant}
	calls := 0

	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_AttemptTimeoutBoundsEachCall(t *testing.T) {
	p := Policy{MaxAttempts: 2, Timeout: 10 * time.Millisecond}

	err := p.DoWith(context.Background(), noSleep, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}
