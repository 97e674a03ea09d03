package retry

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestNonRecoverableError(t *testing.T) {
	cause := errors.New("malformed invoice")
	err := NewNonRecoverableError(cause)
	assert.False(t, IsRecoverable(err))
	assert.ErrorIs(t, err, cause)

	// An explicit marker wins over message heuristics.
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("gateway timeout"))))
}

func TestRecoverableHeuristics(t *testing.T) {
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.True(t, IsRecoverable(errors.New("upstream: 503 Service Unavailable")))
	assert.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRecoverable(errors.New("invoice number missing")))
	assert.True(t, IsRecoverable(errors.New("graph service returned 429 Too Many Requests")))
	assert.True(t, IsRecoverable(errors.New("write tcp 10.0.0.1:5432: broken pipe")))
	assert.True(t, IsRecoverable(&url.Error{Op: "Post", URL: "http://ocr/extract", Err: context.DeadlineExceeded}))
	assert.False(t, IsRecoverable(&url.Error{Op: "Post", URL: "http://ocr/extract", Err: context.Canceled}))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("bad input")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("flaky"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("flaky"))
	}, WithMaxRetries(5), WithBaseWait(time.Hour))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestPolicyDelay(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		p := Policy{BaseDelay: time.Second, BackoffRate: 1}
		require.Equal(t, time.Duration(0), p.Delay(0))
		require.Equal(t, time.Second, p.Delay(1))
		require.Equal(t, time.Second, p.Delay(4))
	})

	t.Run("exponential with cap", func(t *testing.T) {
		p := Policy{BaseDelay: time.Second, BackoffRate: 2, MaxDelay: 5 * time.Second}
		require.Equal(t, time.Second, p.Delay(1))
		require.Equal(t, 2*time.Second, p.Delay(2))
		require.Equal(t, 4*time.Second, p.Delay(3))
		require.Equal(t, 5*time.Second, p.Delay(4))
	})

	t.Run("full jitter stays in range", func(t *testing.T) {
		p := Policy{BaseDelay: time.Second, BackoffRate: 2, JitterStrategy: JitterFull}
		for i := 0; i < 50; i++ {
			d := p.Delay(3)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.LessOrEqual(t, d, 4*time.Second)
		}
	})
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
