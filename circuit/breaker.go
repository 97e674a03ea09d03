// Package circuit isolates unreliable tools behind per-tool circuit breakers.
//
// A breaker starts closed. After FailureThreshold consecutive qualifying
// failures it opens and rejects calls without invoking them. Once the cooldown
// has elapsed since the last failure, the next call moves it to half-open and
// runs as the single probe: success closes the circuit, failure reopens it.
// There is no background timer; the open to half-open move happens lazily on
// the next call.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Cooldown is how long an open circuit waits after its last failure
	// before admitting a probe.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are returned to the caller but recorded as a healthy response.
	// Nil counts every error.
	IsFailure func(error) bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a threshold of 5 and a 60 second cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.Cooldown
	}
	return c
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Tool            string     `json:"tool"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// StateChangeFunc observes breaker transitions. It is called with the
// breaker's lock held and must not call back into the breaker.
type StateChangeFunc func(tool string, from, to State)

// Breaker guards calls to a single tool.
type Breaker struct {
	tool          string
	config        Config
	logger        *slog.Logger
	now           func() time.Time
	onStateChange StateChangeFunc

	mutex           sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// BreakerOptions configures NewBreaker.
type BreakerOptions struct {
	Tool          string
	Config        Config
	Logger        *slog.Logger
	Now           func() time.Time
	OnStateChange StateChangeFunc
}

// NewBreaker returns a closed breaker for one tool.
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		tool:          opts.Tool,
		config:        opts.Config.withDefaults(),
		logger:        opts.Logger.With("tool", opts.Tool),
		now:           opts.Now,
		onStateChange: opts.OnStateChange,
		state:         StateClosed,
	}
}

// Tool returns the name of the guarded tool.
func (b *Breaker) Tool() string {
	return b.tool
}

// Call runs fn through the breaker using the configured failure classifier.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.CallWith(ctx, b.config.IsFailure, fn)
}

// CallWith runs fn through the breaker, counting only the errors isFailure
// accepts. The error returned by fn is passed back unchanged. When the circuit
// is open, fn is not invoked and an *OpenError is returned.
//
// A call abandoned by its caller (context.Canceled, or ctx done) is neither a
// success nor a failure. The state and failure count are left as they were and
// a half-open probe slot is released for the next caller.
func (b *Breaker) CallWith(ctx context.Context, isFailure func(error) bool, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	switch {
	case callErr != nil && (errors.Is(callErr, context.Canceled) || ctx.Err() != nil):
		b.release(probe)
	case callErr != nil && (isFailure == nil || isFailure(callErr)):
		b.recordFailure(probe)
	default:
		b.recordSuccess(probe)
	}
	return callErr
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *Breaker) admit() (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.config.Cooldown {
			return false, &OpenError{
				Tool:         b.tool,
				FailureCount: b.failureCount,
				Remaining:    b.config.Cooldown - elapsed,
			}
		}
		b.transitionTo(StateHalfOpen, "cooldown elapsed")
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			// Only one probe decides the outcome of the half-open window.
			return false, &OpenError{
				Tool:         b.tool,
				FailureCount: b.failureCount,
				Probing:      true,
			}
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.probing = false
}

func (b *Breaker) recordSuccess(probe bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if probe {
		b.probing = false
	}
	switch b.state {
	case StateHalfOpen:
		if probe {
			b.failureCount = 0
			b.transitionTo(StateClosed, "probe succeeded")
		}
	case StateClosed:
		// Failures are counted consecutively; any healthy response resets.
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure(probe bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if probe {
		b.probing = false
	}
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.logger.Warn("tool call failed",
			"failure_count", b.failureCount,
			"threshold", b.config.FailureThreshold)
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.failureCount))
		}
	case StateHalfOpen:
		if b.failureCount < b.config.FailureThreshold {
			b.failureCount = b.config.FailureThreshold
		}
		b.transitionTo(StateOpen, "probe failed")
	}
}

// Status returns the breaker's current state without evaluating the cooldown.
func (b *Breaker) Status() Status {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	status := Status{
		Tool:         b.tool,
		State:        b.state,
		FailureCount: b.failureCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		status.LastFailureTime = &t
	}
	return status
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its failure history.
func (b *Breaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.probing = false
	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(state State, reason string) {
	from := b.state
	b.state = state
	b.logger.Info("circuit breaker state change",
		"from", string(from),
		"to", string(state),
		"reason", reason,
		"failure_count", b.failureCount)
	if b.onStateChange != nil {
		b.onStateChange(b.tool, from, state)
	}
}
