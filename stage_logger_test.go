package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStageLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewFileStageLogger(t.TempDir())

	entries, err := logger.GetStageHistory(ctx, "wf_missing")
	require.NoError(t, err)
	require.Empty(t, entries)

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, logger.LogStage(ctx, &StageLogEntry{
		ID:         newStageLogID(),
		InstanceID: "wf_1",
		Node:       NodeExtract,
		Tool:       "extractor",
		Attempt:    1,
		StartTime:  start,
		Duration:   0.25,
	}))
	require.NoError(t, logger.LogStage(ctx, &StageLogEntry{
		ID:         newStageLogID(),
		InstanceID: "wf_1",
		Node:       NodeValidate,
		Tool:       "validator",
		Attempt:    1,
		ErrorKind:  ErrorKindValidation,
		Error:      "total mismatch",
		StartTime:  start.Add(time.Second),
	}))

	entries, err = logger.GetStageHistory(ctx, "wf_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, NodeExtract, entries[0].Node)
	require.Equal(t, ErrorKindValidation, entries[1].ErrorKind)
	require.Contains(t, entries[0].ID, "stage_")
}
