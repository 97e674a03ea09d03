package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	workflow "github.com/voronode/invoiceflow"
)

// Record is what FileSink writes for each instance.
type Record struct {
	InstanceID    string             `json:"instance_id"`
	Filename      string             `json:"filename"`
	SHA256        string             `json:"sha256"`
	ExtractedData map[string]any     `json:"extracted_data"`
	Anomalies     []workflow.Anomaly `json:"anomalies"`
	Outputs       map[string]any     `json:"outputs"`
	WrittenAt     time.Time          `json:"written_at"`
}

// FileSink persists the final invoice record as <dir>/<instance id>.json.
// Writing the same instance twice replaces the file.
type FileSink struct {
	dir string
	now func() time.Time
}

// NewFileSink returns a sink writing under dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	return &FileSink{dir: dir, now: time.Now}, nil
}

func (s *FileSink) Name() string {
	return "file_sink"
}

// Path returns the record path of an instance.
func (s *FileSink) Path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json")
}

func (s *FileSink) Execute(ctx context.Context, input workflow.StageInput) (*workflow.StageResult, error) {
	record := Record{
		InstanceID:    input.InstanceID,
		Filename:      input.Document.Filename,
		SHA256:        input.Document.SHA256,
		ExtractedData: input.ExtractedData,
		Anomalies:     input.Anomalies,
		Outputs:       input.Outputs,
		WrittenAt:     s.now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, workflow.TerminalError(fmt.Sprintf("failed to marshal record: %v", err))
	}

	path := s.Path(input.InstanceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to finalize record: %w", err)
	}
	return &workflow.StageResult{Outputs: map[string]any{"record_path": path}}, nil
}
