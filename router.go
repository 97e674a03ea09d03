package workflow

import "fmt"

// Action is the routing decision taken after a stage runs.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionRetry      Action = "retry"
	ActionQuarantine Action = "quarantine"
	ActionFail       Action = "fail"
)

// RoutingPolicy holds the configuration flags consulted by Route.
type RoutingPolicy struct {
	QuarantineOnCritical bool `json:"quarantine_on_critical" yaml:"quarantine_on_critical"`
	QuarantineOnHigh     bool `json:"quarantine_on_high" yaml:"quarantine_on_high"`

	// RetryOnMedium treats a medium-risk validation result as correctable,
	// sending it back through the validate node with critic feedback.
	RetryOnMedium bool `json:"retry_on_medium" yaml:"retry_on_medium"`

	// Compliance thresholds count the active anomalies raised by the
	// compliance_audit node. Reaching either quarantines the instance,
	// whatever the overall risk. Zero disables a threshold.
	ComplianceCriticalThreshold int `json:"compliance_critical_threshold" yaml:"compliance_critical_threshold"`
	ComplianceHighThreshold     int `json:"compliance_high_threshold" yaml:"compliance_high_threshold"`

	// SkipComplianceAudit moves instances past compliance_audit without
	// running it. No stage needs to be registered for the node.
	SkipComplianceAudit bool `json:"skip_compliance_audit" yaml:"skip_compliance_audit"`
}

// DefaultRoutingPolicy quarantines high and critical risk and retries medium
// risk validation results.
func DefaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{
		QuarantineOnCritical:        true,
		QuarantineOnHigh:            true,
		RetryOnMedium:               true,
		ComplianceCriticalThreshold: 1,
		ComplianceHighThreshold:     2,
	}
}

// Outcome is what a single stage execution produced, as seen by the router.
type Outcome struct {
	Node Node
	// Err is nil when the stage succeeded.
	Err *StageError
	// Correctable is set when the stage asked for a critic pass.
	Correctable bool
	// Critical and High count the active anomalies raised by Node.
	Critical int
	High     int
}

// Routing is a routing decision and the reason for it.
type Routing struct {
	Action Action
	Reason string
}

// Route decides the next transition. Rules are evaluated in order and the
// first match wins:
//
//  1. a terminal error fails the instance
//  2. critical risk quarantines when the policy says so
//  3. high risk quarantines when the policy says so
//  4. a successful compliance audit quarantines when its own findings reach
//     the policy's compliance thresholds
//  5. infra failures retry; validation failures and correctable results retry
//     while the budget lasts and quarantine afterwards; high or critical
//     validation failures quarantine immediately
//  6. everything else continues
func Route(outcome Outcome, risk RiskLevel, canRetry bool, policy RoutingPolicy) Routing {
	err := outcome.Err
	if err != nil && !err.Kind.Retryable() {
		return Routing{Action: ActionFail, Reason: err.Error()}
	}
	if risk == RiskCritical && policy.QuarantineOnCritical {
		return Routing{Action: ActionQuarantine, Reason: "critical risk detected"}
	}
	if risk == RiskHigh && policy.QuarantineOnHigh {
		return Routing{Action: ActionQuarantine, Reason: "high risk detected"}
	}
	if err == nil && outcome.Node == NodeComplianceAudit {
		if t := policy.ComplianceCriticalThreshold; t > 0 && outcome.Critical >= t {
			return Routing{
				Action: ActionQuarantine,
				Reason: fmt.Sprintf("%d critical compliance violations", outcome.Critical),
			}
		}
		if t := policy.ComplianceHighThreshold; t > 0 && outcome.High >= t {
			return Routing{
				Action: ActionQuarantine,
				Reason: fmt.Sprintf("%d high severity compliance violations", outcome.High),
			}
		}
	}
	if err != nil {
		if err.Kind.Infra() {
			return retryOrExhaust(canRetry, err.Error())
		}
		if riskRank(severityRisk(err.Severity)) >= riskRank(RiskHigh) {
			return Routing{
				Action: ActionQuarantine,
				Reason: fmt.Sprintf("%s validation failure: %s", err.Severity, err.Cause),
			}
		}
		return retryOrExhaust(canRetry, err.Error())
	}
	if outcome.Correctable {
		return retryOrExhaust(canRetry, "result flagged for correction")
	}
	if outcome.Node == NodeValidate && risk == RiskMedium && policy.RetryOnMedium {
		return retryOrExhaust(canRetry, "medium risk is correctable")
	}
	return Routing{Action: ActionContinue}
}

func retryOrExhaust(canRetry bool, reason string) Routing {
	if canRetry {
		return Routing{Action: ActionRetry, Reason: reason}
	}
	return Routing{Action: ActionQuarantine, Reason: ReasonRetryBudgetExhausted}
}

// ReasonRetryBudgetExhausted is the pause reason used when a node runs out of
// attempts.
const ReasonRetryBudgetExhausted = "retry budget exhausted"
