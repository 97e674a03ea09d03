package workflow

import (
	"context"
	"time"

	"github.com/voronode/invoiceflow/retry"
)

// RetryCoordinator bounds per-node retries and computes the backoff between
// attempts.
type RetryCoordinator struct {
	policy retry.Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryCoordinator returns a coordinator for the given policy.
func NewRetryCoordinator(policy retry.Policy) *RetryCoordinator {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &RetryCoordinator{policy: policy, sleep: retry.Sleep}
}

// MaxRetries returns the per-node attempt budget.
func (c *RetryCoordinator) MaxRetries() int {
	return c.policy.MaxRetries
}

// CanRetry reports whether the current node has budget left.
func (c *RetryCoordinator) CanRetry(inst *Instance) bool {
	return inst.RetryCount < c.policy.MaxRetries
}

// RecordAttempt counts a retry of the current node and reports whether the
// node may run again.
func (c *RetryCoordinator) RecordAttempt(inst *Instance) bool {
	if inst.RetryCount < c.policy.MaxRetries {
		inst.RetryCount++
	}
	return inst.RetryCount < c.policy.MaxRetries
}

// Reset clears the counter when the instance moves to a new node.
func (c *RetryCoordinator) Reset(inst *Instance) {
	inst.RetryCount = 0
}

// Delay returns the wait before the next attempt of the current node.
func (c *RetryCoordinator) Delay(inst *Instance) time.Duration {
	return c.policy.Delay(inst.RetryCount)
}

// Backoff sleeps for Delay or until the context is done.
func (c *RetryCoordinator) Backoff(ctx context.Context, inst *Instance) error {
	return c.sleep(ctx, c.Delay(inst))
}
