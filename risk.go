package workflow

// AssessRisk maps anomalies to a risk level. Only pass active anomalies; see
// Instance.ActiveAnomalies.
func AssessRisk(anomalies []Anomaly) RiskLevel {
	if len(anomalies) == 0 {
		return RiskLow
	}
	var critical, high, medium int
	for _, a := range anomalies {
		switch a.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	}
	switch {
	case critical > 0 || high >= 2:
		return RiskCritical
	case high == 1 || medium >= 3:
		return RiskHigh
	case medium > 0:
		return RiskMedium
	default:
		return RiskLow
	}
}

// riskRank orders risk levels for comparisons.
func riskRank(level RiskLevel) int {
	switch level {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// severityRisk lifts a validation severity to the matching risk level.
func severityRisk(s Severity) RiskLevel {
	switch s {
	case SeverityCritical:
		return RiskCritical
	case SeverityHigh:
		return RiskHigh
	case SeverityMedium:
		return RiskMedium
	case SeverityLow:
		return RiskLow
	default:
		return RiskNone
	}
}
