package workflow

import (
	"context"
	"time"
)

// EngineCallbacks defines the callback interface for engine events
type EngineCallbacks interface {
	// Stage-level callbacks
	BeforeStage(ctx context.Context, event *StageEvent)
	AfterStage(ctx context.Context, event *StageEvent)

	// OnTransition is called once a transition has been checkpointed
	OnTransition(ctx context.Context, event *TransitionEvent)
}

// StageEvent provides context for stage execution events
type StageEvent struct {
	InstanceID string
	Node       Node
	Tool       string
	Attempt    int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Anomalies  int
	Error      *StageError
}

// TransitionEvent provides context for a committed transition
type TransitionEvent struct {
	InstanceID string
	Event      string
	Action     Action
	From       Status
	To         Status
	Node       Node
	RiskLevel  RiskLevel
	RetryCount int
	Reason     string
	Timestamp  time.Time
}

// BaseEngineCallbacks provides a default implementation that does nothing
type BaseEngineCallbacks struct{}

func (n *BaseEngineCallbacks) BeforeStage(ctx context.Context, event *StageEvent) {
	// noop
}

func (n *BaseEngineCallbacks) AfterStage(ctx context.Context, event *StageEvent) {
	// noop
}

func (n *BaseEngineCallbacks) OnTransition(ctx context.Context, event *TransitionEvent) {
	// noop
}

// NewBaseEngineCallbacks returns a no-op EngineCallbacks.
func NewBaseEngineCallbacks() EngineCallbacks {
	return &BaseEngineCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []EngineCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...EngineCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback EngineCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeStage(ctx context.Context, event *StageEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStage(ctx, event)
	}
}

func (c *CallbackChain) AfterStage(ctx context.Context, event *StageEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStage(ctx, event)
	}
}

func (c *CallbackChain) OnTransition(ctx context.Context, event *TransitionEvent) {
	for _, callback := range c.callbacks {
		callback.OnTransition(ctx, event)
	}
}
