package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// Policy describes how long to wait between attempts. A BackoffRate of 1
// yields a fixed delay; anything larger grows the delay exponentially.
type Policy struct {
	MaxRetries     int            `json:"max_retries" yaml:"max_retries"`
	BaseDelay      time.Duration  `json:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate    float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	JitterStrategy JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`
}

// DefaultPolicy returns three retries one second apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		BackoffRate:    1,
		JitterStrategy: JitterNone,
	}
}

// Delay returns the wait before the given retry. Attempt 1 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(rate, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterStrategy == JitterFull {
		delay = rand.Float64() * delay
	}
	return time.Duration(delay)
}

// Sleep waits for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Option adjusts the policy used by Do.
type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = n }
}

func WithBaseWait(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

func WithBackoffRate(rate float64) Option {
	return func(p *Policy) { p.BackoffRate = rate }
}

// Do calls fn until it succeeds, returns an error that is not recoverable, or
// the retry budget is spent. fn always runs at least once. The last error is
// returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	policy := DefaultPolicy()
	policy.BackoffRate = 2
	for _, opt := range opts {
		opt(&policy)
	}

	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := Sleep(ctx, policy.Delay(attempt)); sleepErr != nil {
				return err
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
	}
	return err
}
