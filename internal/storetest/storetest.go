// Package storetest holds the behavior every CheckpointStore must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	workflow "github.com/voronode/invoiceflow"
)

// SampleInstance returns a fully populated instance created at the given
// offset from a fixed base time.
func SampleInstance(offset time.Duration) *workflow.Instance {
	created := time.Date(2024, 6, 3, 8, 30, 0, 123456000, time.UTC).Add(offset)
	return &workflow.Instance{
		ID:          workflow.NewInstanceID(),
		Status:      workflow.StatusQuarantined,
		CurrentNode: workflow.NodeValidate,
		RetryCount:  1,
		RiskLevel:   workflow.RiskCritical,
		PauseReason: &workflow.PauseReason{
			Message:    "critical risk detected",
			Node:       workflow.NodeValidate,
			RiskLevel:  workflow.RiskCritical,
			Anomalies:  []string{"total_mismatch: line items do not add up"},
			ResumeNode: workflow.NodeComplianceAudit,
		},
		Anomalies: []workflow.Anomaly{{
			Type:       "total_mismatch",
			Severity:   workflow.SeverityCritical,
			Message:    "line items do not add up",
			Confidence: 0.92,
			Field:      "total_amount",
			Node:       workflow.NodeValidate,
			Attempt:    2,
		}},
		ExtractedData: map[string]any{
			"invoice_number": "INV-2024-001",
			"total_amount":   1250.5,
			"line_items": []any{
				map[string]any{"description": "Consulting", "amount": 1000.0},
			},
		},
		CriticFeedback: []string{"check the total"},
		Attempts:       map[workflow.Node]int{workflow.NodeExtract: 1, workflow.NodeValidate: 2},
		Outputs:        map[string]any{"extractor": "v2"},
		Document: workflow.Document{
			Filename:    "invoice.pdf",
			ContentType: "application/pdf",
			SHA256:      "abc123",
			Data:        []byte("%PDF-1.4 sample"),
		},
		Timeline: []workflow.TimelineEntry{{
			Event:     "created",
			Node:      workflow.NodeExtract,
			Status:    workflow.StatusPending,
			Timestamp: created,
		}},
		ErrorHistory: []workflow.ErrorRecord{{
			Node:      workflow.NodeValidate,
			Kind:      workflow.ErrorKindValidation,
			Message:   "total mismatch",
			Timestamp: created.Add(time.Second),
		}},
		CreatedAt: created,
		UpdatedAt: created.Add(2 * time.Second),
	}
}

// Run exercises a store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) workflow.CheckpointStore) {
	t.Run("round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := SampleInstance(0)

		require.NoError(t, store.SaveCheckpoint(ctx, inst))
		loaded, err := store.LoadCheckpoint(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, inst, loaded)
	})

	t.Run("not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LoadCheckpoint(context.Background(), "wf_unknown")
		require.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("upsert keeps history", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := SampleInstance(0)
		require.NoError(t, store.SaveCheckpoint(ctx, inst))

		inst.Status = workflow.StatusProcessing
		inst.PauseReason = nil
		inst.UpdatedAt = inst.UpdatedAt.Add(time.Minute)
		require.NoError(t, store.SaveCheckpoint(ctx, inst))

		loaded, err := store.LoadCheckpoint(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, workflow.StatusProcessing, loaded.Status)
		require.Nil(t, loaded.PauseReason)

		history, err := store.CheckpointHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, 1, history[0].Sequence)
		require.Equal(t, 2, history[1].Sequence)
		require.Equal(t, workflow.StatusQuarantined, history[0].Instance.Status)
		require.Equal(t, workflow.StatusProcessing, history[1].Instance.Status)
		require.Equal(t, inst.UpdatedAt, history[1].CheckpointAt)

		all, err := store.ListCheckpoints(ctx, workflow.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var ids []string
		for i := 0; i < 4; i++ {
			inst := SampleInstance(time.Duration(i) * time.Minute)
			if i%2 == 1 {
				inst.Status = workflow.StatusCompleted
				inst.PauseReason = nil
			}
			require.NoError(t, store.SaveCheckpoint(ctx, inst))
			ids = append(ids, inst.ID)
		}

		all, err := store.ListCheckpoints(ctx, workflow.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, ids[3], all[0].ID)
		require.Equal(t, ids[0], all[3].ID)

		quarantined, err := store.ListCheckpoints(ctx, workflow.ListFilter{Status: workflow.StatusQuarantined})
		require.NoError(t, err)
		require.Len(t, quarantined, 2)
		require.Equal(t, ids[2], quarantined[0].ID)
		for _, inst := range quarantined {
			require.Equal(t, workflow.StatusQuarantined, inst.Status, fmt.Sprintf("instance %s", inst.ID))
		}

		limited, err := store.ListCheckpoints(ctx, workflow.ListFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		require.Equal(t, ids[3], limited[0].ID)
	})

	t.Run("history of unknown instance", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CheckpointHistory(context.Background(), "wf_unknown")
		require.ErrorIs(t, err, workflow.ErrNotFound)
	})
}
