package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.jetify.com/typeid"
)

// Status of a workflow instance.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusQuarantined Status = "quarantined"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Node is a pipeline position.
type Node string

const (
	NodeExtract         Node = "extract"
	NodeValidate        Node = "validate"
	NodeComplianceAudit Node = "compliance_audit"
	NodeInsertGraph     Node = "insert_graph"
	NodeComplete        Node = "complete"
)

// Pipeline lists the executable nodes in order. NodeComplete is the sentinel
// that follows the last one.
var Pipeline = []Node{NodeExtract, NodeValidate, NodeComplianceAudit, NodeInsertGraph}

// Next returns the node that follows n.
func (n Node) Next() Node {
	i := slices.Index(Pipeline, n)
	if i < 0 || i == len(Pipeline)-1 {
		return NodeComplete
	}
	return Pipeline[i+1]
}

// Valid reports whether n is a known node.
func (n Node) Valid() bool {
	return n == NodeComplete || slices.Contains(Pipeline, n)
}

// assessesRisk reports whether risk is recomputed after this node runs.
func (n Node) assessesRisk() bool {
	return n == NodeValidate || n == NodeComplianceAudit
}

// RiskLevel is the assessed risk of an instance.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity of a single anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is an issue a stage found in the document.
type Anomaly struct {
	Type         string   `json:"type"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Confidence   float64  `json:"confidence"`
	Field        string   `json:"field,omitempty"`
	Node         Node     `json:"node"`
	Attempt      int      `json:"attempt"`
	Acknowledged bool     `json:"acknowledged"`
}

// PauseReason explains why an instance is waiting for a reviewer.
type PauseReason struct {
	Message    string    `json:"message"`
	Node       Node      `json:"node"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Anomalies  []string  `json:"anomalies"`
	ResumeNode Node      `json:"resume_node"`
}

// TimelineEntry records one transition.
type TimelineEntry struct {
	Event     string    `json:"event"`
	Node      Node      `json:"node"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorRecord records one stage failure or rejection.
type ErrorRecord struct {
	Node      Node      `json:"node"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the submitted payload.
type Document struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Data        []byte `json:"data"`
}

// Instance is the persisted state of one document moving through the
// pipeline.
type Instance struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	CurrentNode    Node            `json:"current_node"`
	RetryCount     int             `json:"retry_count"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	PauseReason    *PauseReason    `json:"pause_reason"`
	Anomalies      []Anomaly       `json:"anomalies"`
	ExtractedData  map[string]any  `json:"extracted_data"`
	CriticFeedback []string        `json:"critic_feedback"`
	Attempts       map[Node]int    `json:"attempts"`
	Outputs        map[string]any  `json:"outputs"`
	Document       Document        `json:"document"`
	Timeline       []TimelineEntry `json:"timeline"`
	ErrorHistory   []ErrorRecord   `json:"error_history"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewInstanceID returns a new prefixed instance id.
func NewInstanceID() string {
	return typeid.Must(typeid.WithPrefix("wf")).String()
}

func newInstance(doc Document, now time.Time) *Instance {
	return &Instance{
		ID:             NewInstanceID(),
		Status:         StatusPending,
		CurrentNode:    NodeExtract,
		RiskLevel:      RiskNone,
		Anomalies:      []Anomaly{},
		ExtractedData:  map[string]any{},
		CriticFeedback: []string{},
		Attempts:       map[Node]int{},
		Outputs:        map[string]any{},
		Document:       doc,
		Timeline:       []TimelineEntry{},
		ErrorHistory:   []ErrorRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy. Values inside ExtractedData and Outputs are
// copied through a JSON round trip.
func (inst *Instance) Clone() *Instance {
	if inst == nil {
		return nil
	}
	c := *inst
	if inst.PauseReason != nil {
		pr := *inst.PauseReason
		pr.Anomalies = slices.Clone(inst.PauseReason.Anomalies)
		c.PauseReason = &pr
	}
	c.Anomalies = slices.Clone(inst.Anomalies)
	c.CriticFeedback = slices.Clone(inst.CriticFeedback)
	c.Attempts = maps.Clone(inst.Attempts)
	c.Timeline = slices.Clone(inst.Timeline)
	c.ErrorHistory = slices.Clone(inst.ErrorHistory)
	c.Document.Data = slices.Clone(inst.Document.Data)
	c.ExtractedData = cloneMap(inst.ExtractedData)
	c.Outputs = cloneMap(inst.Outputs)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}

// normalize fills nil collections so that an instance round-trips through
// every store unchanged.
func (inst *Instance) normalize() {
	if inst.Anomalies == nil {
		inst.Anomalies = []Anomaly{}
	}
	if inst.ExtractedData == nil {
		inst.ExtractedData = map[string]any{}
	}
	if inst.CriticFeedback == nil {
		inst.CriticFeedback = []string{}
	}
	if inst.Attempts == nil {
		inst.Attempts = map[Node]int{}
	}
	if inst.Outputs == nil {
		inst.Outputs = map[string]any{}
	}
	if inst.Timeline == nil {
		inst.Timeline = []TimelineEntry{}
	}
	if inst.ErrorHistory == nil {
		inst.ErrorHistory = []ErrorRecord{}
	}
	if inst.RiskLevel == "" {
		inst.RiskLevel = RiskNone
	}
}

// ActiveAnomalies returns the anomalies that still count toward risk: not
// acknowledged by a reviewer and produced by the latest attempt of their node.
func (inst *Instance) ActiveAnomalies() []Anomaly {
	var active []Anomaly
	for _, a := range inst.Anomalies {
		if a.Acknowledged {
			continue
		}
		if latest, ok := inst.Attempts[a.Node]; ok && a.Attempt != latest {
			continue
		}
		active = append(active, a)
	}
	return active
}

func (inst *Instance) appendTimeline(event, message string, now time.Time) {
	inst.Timeline = append(inst.Timeline, TimelineEntry{
		Event:     event,
		Node:      inst.CurrentNode,
		Status:    inst.Status,
		Message:   message,
		Timestamp: now,
	})
}

func (inst *Instance) appendError(node Node, kind ErrorKind, message string, now time.Time) {
	inst.ErrorHistory = append(inst.ErrorHistory, ErrorRecord{
		Node:      node,
		Kind:      kind,
		Message:   message,
		Timestamp: now,
	})
}

// Summary is a compact view of an instance for listings.
type Summary struct {
	ID          string    `json:"workflow_id"`
	Filename    string    `json:"filename"`
	Status      Status    `json:"status"`
	CurrentNode Node      `json:"current_node"`
	RiskLevel   RiskLevel `json:"risk_level"`
	RetryCount  int       `json:"retry_count"`
	PauseReason string    `json:"pause_reason,omitempty"`
	Anomalies   int       `json:"anomalies"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize returns a Summary of the instance.
func (inst *Instance) Summarize() Summary {
	s := Summary{
		ID:          inst.ID,
		Filename:    inst.Document.Filename,
		Status:      inst.Status,
		CurrentNode: inst.CurrentNode,
		RiskLevel:   inst.RiskLevel,
		RetryCount:  inst.RetryCount,
		Anomalies:   len(inst.ActiveAnomalies()),
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
	if inst.PauseReason != nil {
		s.PauseReason = inst.PauseReason.Message
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%s %s %s at %s (risk %s)", s.ID, s.Filename, s.Status, s.CurrentNode, s.RiskLevel)
}
