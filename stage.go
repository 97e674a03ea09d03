package workflow

import (
	"context"
)

// Stage is the collaborator that performs the work of one pipeline node.
//
// The engine may run a stage again after a crash between execution and
// checkpoint, so stages must be idempotent with respect to their side effects:
// a persistence stage upserts by instance id instead of inserting blindly.
type Stage interface {

	// Name returns the tool name. Stages sharing a name share a circuit
	// breaker.
	Name() string

	// Execute the stage. Returning a *StageError controls how the failure is
	// routed; any other error is classified with ClassifyError.
	Execute(ctx context.Context, input StageInput) (*StageResult, error)
}

// StageInput is the snapshot a stage works on. It is a copy; mutating it has
// no effect on the instance.
type StageInput struct {
	InstanceID     string         `json:"instance_id"`
	Node           Node           `json:"node"`
	Attempt        int            `json:"attempt"`
	Document       Document       `json:"document"`
	ExtractedData  map[string]any `json:"extracted_data"`
	Anomalies      []Anomaly      `json:"anomalies"`
	CriticFeedback []string       `json:"critic_feedback"`
	Outputs        map[string]any `json:"outputs"`
}

// StageResult is what a stage reports back.
type StageResult struct {
	// ExtractedData replaces the instance's extracted data. Only honored for
	// the extract node.
	ExtractedData map[string]any `json:"extracted_data,omitempty"`

	// Anomalies found during this attempt.
	Anomalies []Anomaly `json:"anomalies,omitempty"`

	// Correctable asks for another attempt of the same node.
	Correctable bool `json:"correctable,omitempty"`

	// Feedback holds hints for the next attempt of the same node.
	Feedback []string `json:"feedback,omitempty"`

	// Outputs are merged into the instance outputs.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// StageRegistry maps pipeline nodes to the stages that run them.
type StageRegistry map[Node]Stage

// StageFunction is a function that can be used as a stage
type StageFunction struct {
	name string
	fn   func(ctx context.Context, input StageInput) (*StageResult, error)
}

// NewStageFunction creates a new StageFunction
func NewStageFunction(name string, fn func(ctx context.Context, input StageInput) (*StageResult, error)) *StageFunction {
	return &StageFunction{name: name, fn: fn}
}

func (s *StageFunction) Name() string {
	return s.name
}

func (s *StageFunction) Execute(ctx context.Context, input StageInput) (*StageResult, error) {
	return s.fn(ctx, input)
}
