package stages

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	workflow "github.com/voronode/invoiceflow"
)

func TestFileSinkUpserts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	input := workflow.StageInput{
		InstanceID:    "wf_1",
		Node:          workflow.NodeInsertGraph,
		Document:      workflow.Document{Filename: "a.pdf", SHA256: "abc"},
		ExtractedData: map[string]any{"amount": 10.0},
	}
	result, err := sink.Execute(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, sink.Path("wf_1"), result.Outputs["record_path"])

	input.ExtractedData = map[string]any{"amount": 12.0}
	_, err = sink.Execute(context.Background(), input)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(sink.Path("wf_1"))
	require.NoError(t, err)
	var record Record
	require.NoError(t, json.Unmarshal(data, &record))
	require.Equal(t, "wf_1", record.InstanceID)
	require.Equal(t, 12.0, record.ExtractedData["amount"])
}

func TestPipelineWithShippedStages(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	extract := workflow.NewStageFunction("extractor", func(ctx context.Context, input workflow.StageInput) (*workflow.StageResult, error) {
		return &workflow.StageResult{ExtractedData: validInvoice()}, nil
	})
	audit := workflow.NewStageFunction("auditor", func(ctx context.Context, input workflow.StageInput) (*workflow.StageResult, error) {
		return &workflow.StageResult{}, nil
	})

	engine, err := workflow.NewEngine(workflow.EngineOptions{Stages: workflow.StageRegistry{
		workflow.NodeExtract:         extract,
		workflow.NodeValidate:        newTestValidator(),
		workflow.NodeComplianceAudit: audit,
		workflow.NodeInsertGraph:     sink,
	}})
	require.NoError(t, err)

	inst, err := engine.Start(context.Background(), workflow.Document{Filename: "a.pdf", Data: []byte("%PDF-1.4 x")})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, inst.Status)
	require.Equal(t, sink.Path(inst.ID), inst.Outputs["record_path"])
	require.FileExists(t, sink.Path(inst.ID))
}
