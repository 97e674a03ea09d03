package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func anomalies(severities ...Severity) []Anomaly {
	out := make([]Anomaly, 0, len(severities))
	for _, s := range severities {
		out = append(out, Anomaly{Type: "check", Severity: s})
	}
	return out
}

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name      string
		anomalies []Anomaly
		want      RiskLevel
	}{
		{"none", nil, RiskLow},
		{"single low", anomalies(SeverityLow), RiskLow},
		{"many low", anomalies(SeverityLow, SeverityLow, SeverityLow, SeverityLow), RiskLow},
		{"one medium", anomalies(SeverityMedium), RiskMedium},
		{"two medium", anomalies(SeverityMedium, SeverityMedium, SeverityLow), RiskMedium},
		{"three medium", anomalies(SeverityMedium, SeverityMedium, SeverityMedium), RiskHigh},
		{"one high", anomalies(SeverityHigh, SeverityLow), RiskHigh},
		{"two high", anomalies(SeverityHigh, SeverityHigh), RiskCritical},
		{"one critical", anomalies(SeverityCritical), RiskCritical},
		{"critical among low", anomalies(SeverityLow, SeverityCritical, SeverityMedium), RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, AssessRisk(tt.anomalies))
		})
	}
}

func TestAssessRiskProperties(t *testing.T) {
	severity := rapid.SampledFrom([]Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical})
	rapid.Check(t, func(t *rapid.T) {
		list := anomalies(rapid.SliceOf(severity).Draw(t, "severities")...)
		level := AssessRisk(list)

		// Adding an anomaly never lowers the risk.
		extra := append(list, anomalies(severity.Draw(t, "extra"))...)
		if riskRank(AssessRisk(extra)) < riskRank(level) {
			t.Fatalf("risk dropped from %s after adding an anomaly", level)
		}
		// The risk is never below the worst single anomaly.
		for _, a := range list {
			if riskRank(level) < riskRank(severityRisk(a.Severity)) {
				t.Fatalf("risk %s below anomaly severity %s", level, a.Severity)
			}
		}
	})
}

func TestActiveAnomalies(t *testing.T) {
	inst := newInstance(pdfDocument(), testNow)
	inst.Attempts[NodeValidate] = 2
	inst.Attempts[NodeComplianceAudit] = 1
	inst.Anomalies = []Anomaly{
		{Type: "stale", Severity: SeverityCritical, Node: NodeValidate, Attempt: 1},
		{Type: "current", Severity: SeverityMedium, Node: NodeValidate, Attempt: 2},
		{Type: "acked", Severity: SeverityHigh, Node: NodeComplianceAudit, Attempt: 1, Acknowledged: true},
		{Type: "audit", Severity: SeverityLow, Node: NodeComplianceAudit, Attempt: 1},
	}
	var types []string
	for _, a := range inst.ActiveAnomalies() {
		types = append(types, a.Type)
	}
	require.Equal(t, []string{"current", "audit"}, types)
	require.Equal(t, RiskMedium, AssessRisk(inst.ActiveAnomalies()))
	require.Equal(t, 2, inst.Summarize().Anomalies)
}
