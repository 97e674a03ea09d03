package workflow

import (
	"context"
	"time"

	"go.jetify.com/typeid"
)

// StageLogEntry records a single stage attempt
type StageLogEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Node       Node      `json:"node"`
	Tool       string    `json:"tool"`
	Attempt    int       `json:"attempt"`
	Anomalies  int       `json:"anomalies"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	Duration   float64   `json:"duration"`
}

// StageLogger defines simple stage attempt logging interface
type StageLogger interface {
	// LogStage logs a completed stage attempt
	LogStage(ctx context.Context, entry *StageLogEntry) error

	// GetStageHistory retrieves the stage log for an instance
	GetStageHistory(ctx context.Context, instanceID string) ([]*StageLogEntry, error)
}

func newStageLogID() string {
	return typeid.Must(typeid.WithPrefix("stage")).String()
}
