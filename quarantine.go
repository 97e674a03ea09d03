package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"
)

// Decision is a reviewer's verdict on a quarantined instance.
type Decision struct {
	Approved bool `json:"approved"`

	// Corrections overwrite fields of the extracted data. When present they
	// take precedence over Approved: the instance is re-validated.
	Corrections map[string]any `json:"corrections,omitempty"`

	// Notes are required when rejecting.
	Notes    string `json:"notes,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

// QuarantineManager lists paused instances and applies review decisions.
type QuarantineManager struct {
	engine *Engine
}

// ListQuarantined returns every quarantined instance, newest first.
func (q *QuarantineManager) ListQuarantined(ctx context.Context) ([]*Instance, error) {
	return q.engine.store.ListCheckpoints(ctx, ListFilter{Status: StatusQuarantined})
}

// Resume applies a decision to a quarantined instance and, unless it was
// rejected, runs the instance until it rests again.
func (q *QuarantineManager) Resume(ctx context.Context, id string, decision Decision) (*Instance, error) {
	inst, err := q.decide(ctx, id, decision)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusProcessing {
		return inst, nil
	}
	return q.engine.Run(ctx, id)
}

func (q *QuarantineManager) decide(ctx context.Context, id string, decision Decision) (*Instance, error) {
	e := q.engine
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.normalize()
	if inst.Status != StatusQuarantined {
		return nil, &NotQuarantinedError{ID: id, Status: inst.Status}
	}
	notes := strings.TrimSpace(decision.Notes)
	if len(decision.Corrections) == 0 && !decision.Approved && notes == "" {
		return nil, ErrNotesRequired
	}

	next := inst.Clone()
	now := e.now()
	next.UpdatedAt = now
	pausedAt := next.CurrentNode
	resume := pausedAt
	if next.PauseReason != nil && next.PauseReason.ResumeNode != "" {
		resume = next.PauseReason.ResumeNode
	}
	next.PauseReason = nil
	next.CriticFeedback = []string{}

	var event string
	switch {
	case len(decision.Corrections) > 0:
		event = EventCorrected
		maps.Copy(next.ExtractedData, cloneMap(decision.Corrections))
		next.Anomalies = []Anomaly{}
		next.RiskLevel = RiskNone
		next.RetryCount = 0
		next.Status = StatusProcessing
		next.CurrentNode = NodeValidate
		next.appendTimeline(event, reviewMessage(decision, fmt.Sprintf("%d fields corrected", len(decision.Corrections))), now)

	case !decision.Approved:
		event = EventRejected
		next.Status = StatusFailed
		next.appendError(pausedAt, ErrorKindRejected, notes, now)
		next.appendTimeline(event, reviewMessage(decision, ""), now)

	default:
		event = EventApproved
		for i := range next.Anomalies {
			next.Anomalies[i].Acknowledged = true
		}
		next.RiskLevel = AssessRisk(next.ActiveAnomalies())
		next.RetryCount = 0
		next.CurrentNode = resume
		next.Status = StatusProcessing
		if resume == NodeComplete {
			next.Status = StatusCompleted
		}
		next.appendTimeline(event, reviewMessage(decision, ""), now)
	}

	if err := e.commit(ctx, inst, next, event, "", decision.Notes); err != nil {
		return nil, err
	}
	return next, nil
}

func reviewMessage(decision Decision, detail string) string {
	var parts []string
	if decision.Reviewer != "" {
		parts = append(parts, "by "+decision.Reviewer)
	}
	if detail != "" {
		parts = append(parts, detail)
	}
	if notes := strings.TrimSpace(decision.Notes); notes != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, "; ")
}
