package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }

func succeeding(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock, threshold int, cooldown time.Duration) *Breaker {
	return NewBreaker(BreakerOptions{
		Tool:   "extractor",
		Config: Config{FailureThreshold: threshold, Cooldown: cooldown},
		Now:    clock.Now,
	})
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOptions{Tool: "x"})
	require.Equal(t, 5, b.config.FailureThreshold)
	require.Equal(t, 60*time.Second, b.config.Cooldown)
	require.Equal(t, StateClosed, b.State())
	require.Nil(t, b.Status().LastFailureTime)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Call(ctx, failing), errBoom)
		require.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Call(ctx, failing), errBoom)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 3, b.Status().FailureCount)

	invoked := false
	err := b.Call(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.False(t, invoked)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "extractor", openErr.Tool)
	require.Equal(t, 60, openErr.RemainingSeconds())
	require.True(t, IsOpen(err))
}

func TestBreakerSuccessResetsCountWhileClosed(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, failing))
	require.Error(t, b.Call(ctx, failing))
	require.NoError(t, b.Call(ctx, succeeding))
	require.Equal(t, 0, b.Status().FailureCount)

	require.Error(t, b.Call(ctx, failing))
	require.Error(t, b.Call(ctx, failing))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("probe success closes", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 1, 10*time.Second)
		require.Error(t, b.Call(ctx, failing))
		require.Equal(t, StateOpen, b.State())

		clock.Advance(9 * time.Second)
		var openErr *OpenError
		require.ErrorAs(t, b.Call(ctx, succeeding), &openErr)
		require.Equal(t, 1, openErr.RemainingSeconds())

		clock.Advance(time.Second)
		require.NoError(t, b.Call(ctx, succeeding))
		status := b.Status()
		require.Equal(t, StateClosed, status.State)
		require.Equal(t, 0, status.FailureCount)
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 2, 10*time.Second)
		require.Error(t, b.Call(ctx, failing))
		require.Error(t, b.Call(ctx, failing))

		clock.Advance(10 * time.Second)
		require.ErrorIs(t, b.Call(ctx, failing), errBoom)
		status := b.Status()
		require.Equal(t, StateOpen, status.State)
		require.NotNil(t, status.LastFailureTime)
		require.Equal(t, clock.Now(), *status.LastFailureTime)

		// The cooldown restarts from the failed probe.
		clock.Advance(5 * time.Second)
		require.True(t, IsOpen(b.Call(ctx, succeeding)))
	})

	t.Run("single probe admitted", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 1, time.Second)
		require.Error(t, b.Call(ctx, failing))
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Call(ctx, func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		var openErr *OpenError
		require.ErrorAs(t, b.Call(ctx, succeeding), &openErr)
		require.True(t, openErr.Probing)
		require.Equal(t, StateHalfOpen, b.State())

		close(release)
		require.NoError(t, <-done)
		require.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerClassifier(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)
	ctx := context.Background()
	errValidation := errors.New("invalid total")

	onlyBoom := func(err error) bool { return errors.Is(err, errBoom) }
	err := b.CallWith(ctx, onlyBoom, func(context.Context) error { return errValidation })
	require.ErrorIs(t, err, errValidation)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 0, b.Status().FailureCount)

	require.ErrorIs(t, b.CallWith(ctx, onlyBoom, failing), errBoom)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCanceledCalls(t *testing.T) {
	canceled := func(context.Context) error { return context.Canceled }

	t.Run("half-open probe", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 1, 10*time.Second)
		ctx := context.Background()
		require.Error(t, b.Call(ctx, failing))
		require.Equal(t, StateOpen, b.State())

		clock.Advance(10 * time.Second)
		require.ErrorIs(t, b.Call(ctx, canceled), context.Canceled)
		status := b.Status()
		require.Equal(t, StateHalfOpen, status.State)
		require.Equal(t, 1, status.FailureCount)

		// The probe slot is free again and the next answer decides.
		require.ErrorIs(t, b.Call(ctx, failing), errBoom)
		require.Equal(t, StateOpen, b.State())
	})

	t.Run("half-open probe then success", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 1, 10*time.Second)
		ctx := context.Background()
		require.Error(t, b.Call(ctx, failing))
		clock.Advance(10 * time.Second)

		require.ErrorIs(t, b.Call(ctx, canceled), context.Canceled)
		require.NoError(t, b.Call(ctx, succeeding))
		require.Equal(t, StateClosed, b.State())
	})

	t.Run("closed keeps failure streak", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 3, time.Minute)
		ctx := context.Background()
		require.Error(t, b.Call(ctx, failing))
		require.Error(t, b.Call(ctx, failing))
		require.ErrorIs(t, b.Call(ctx, canceled), context.Canceled)
		require.Equal(t, 2, b.Status().FailureCount)

		require.Error(t, b.Call(ctx, failing))
		require.Equal(t, StateOpen, b.State())
	})

	t.Run("caller context done", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(clock, 1, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		// The classifier would count this error, but the caller has gone.
		require.ErrorIs(t, b.Call(ctx, failing), errBoom)
		require.Equal(t, StateClosed, b.State())
		require.Equal(t, 0, b.Status().FailureCount)
	})
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	var transitions []State
	b := NewBreaker(BreakerOptions{
		Tool:   "graph",
		Config: Config{FailureThreshold: 1, Cooldown: time.Hour},
		Now:    clock.Now,
		OnStateChange: func(tool string, from, to State) {
			require.Equal(t, "graph", tool)
			transitions = append(transitions, to)
		},
	})
	require.Error(t, b.Call(context.Background(), failing))
	b.Reset()
	status := b.Status()
	require.Equal(t, StateClosed, status.State)
	require.Equal(t, 0, status.FailureCount)
	require.Nil(t, status.LastFailureTime)
	require.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestBreakerThresholdScenario(t *testing.T) {
	// threshold 3, cooldown 1s: three failures open the circuit, the fourth
	// call is rejected, and after the cooldown a healthy probe closes it.
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Second)
	ctx := context.Background()

	var calls int32
	flaky := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(ctx, flaky), errBoom)
	}
	require.Equal(t, StateOpen, b.State())
	require.True(t, IsOpen(b.Call(ctx, flaky)))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))

	clock.Advance(1100 * time.Millisecond)
	require.NoError(t, b.Call(ctx, succeeding))
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 0, b.Status().FailureCount)
}

func TestBreakerProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(rt, "threshold")
		cooldown := time.Duration(rapid.IntRange(1, 30).Draw(rt, "cooldown_seconds")) * time.Second
		clock := newFakeClock()
		b := newTestBreaker(clock, threshold, cooldown)
		ctx := context.Background()

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			before := b.Status()
			op := rapid.SampledFrom([]string{"fail", "succeed", "wait"}).Draw(rt, "op")
			if op == "wait" {
				clock.Advance(time.Duration(rapid.IntRange(0, 40).Draw(rt, "wait_seconds")) * time.Second)
				continue
			}

			invoked := false
			err := b.Call(ctx, func(context.Context) error {
				invoked = true
				if op == "fail" {
					return errBoom
				}
				return nil
			})

			coolingDown := before.State == StateOpen &&
				clock.Now().Sub(*before.LastFailureTime) < cooldown
			if coolingDown {
				if invoked || !IsOpen(err) {
					rt.Fatalf("call invoked while open within cooldown")
				}
			} else if !invoked {
				rt.Fatalf("call rejected in state %s", before.State)
			}

			after := b.Status()
			if after.State == StateOpen && after.FailureCount < threshold {
				rt.Fatalf("open with failure count %d below threshold %d", after.FailureCount, threshold)
			}
			if invoked && op == "succeed" && after.State != StateClosed {
				rt.Fatalf("success left breaker %s", after.State)
			}
			if coolingDown && (after.State != StateOpen || after.FailureCount != before.FailureCount) {
				rt.Fatalf("rejected call changed breaker state")
			}
		}
	})
}
