package stages

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	workflow "github.com/voronode/invoiceflow"
)

const dateLayout = "2006-01-02"

var invoiceNumberPattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

// RuleValidator checks extracted invoice data without calling out to any
// service. It reports anomalies and leaves routing to the engine.
//
// Expected fields: invoice_number, date, due_date, contractor_id, amount and
// line_items, each line item carrying id, quantity, unit_price and total.
type RuleValidator struct {
	// Tolerance allowed between the invoice amount and the line item sum.
	Tolerance float64

	// MinConfidence flags extractions whose "confidence" field is lower.
	MinConfidence float64

	Now func() time.Time
}

// NewRuleValidator returns a validator with a one cent tolerance.
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{Tolerance: 0.01, MinConfidence: 0.6, Now: time.Now}
}

func (v *RuleValidator) Name() string {
	return "rule_validator"
}

func (v *RuleValidator) Execute(ctx context.Context, input workflow.StageInput) (*workflow.StageResult, error) {
	data := input.ExtractedData
	if len(data) == 0 {
		return nil, workflow.ValidationError(workflow.SeverityHigh, "no extracted data to validate")
	}

	var anomalies []workflow.Anomaly
	anomalies = append(anomalies, v.requiredFields(data)...)
	anomalies = append(anomalies, v.dates(data)...)
	anomalies = append(anomalies, v.invoiceNumber(data)...)
	anomalies = append(anomalies, v.lineItems(data)...)
	anomalies = append(anomalies, v.confidence(data)...)

	workflow.LoggerFromContext(ctx).Debug("validation complete", "anomalies", len(anomalies))

	result := &workflow.StageResult{Anomalies: anomalies}
	for _, a := range anomalies {
		if a.Field != "" {
			result.Feedback = append(result.Feedback, fmt.Sprintf("re-check %s: %s", a.Field, a.Message))
		}
	}
	return result, nil
}

func anomaly(kind string, severity workflow.Severity, field, message string) workflow.Anomaly {
	return workflow.Anomaly{Type: kind, Severity: severity, Field: field, Message: message, Confidence: 1}
}

func (v *RuleValidator) requiredFields(data map[string]any) []workflow.Anomaly {
	var out []workflow.Anomaly
	for _, field := range []string{"invoice_number", "date", "contractor_id", "amount"} {
		value, ok := data[field]
		if !ok || value == nil || (isString(value) && strings.TrimSpace(value.(string)) == "") {
			out = append(out, anomaly("missing_field", workflow.SeverityHigh, field,
				fmt.Sprintf("required field %q is missing or empty", field)))
		}
	}
	if items, _ := data["line_items"].([]any); len(items) == 0 {
		out = append(out, anomaly("missing_line_items", workflow.SeverityHigh, "line_items", "invoice has no line items"))
	}
	return out
}

func (v *RuleValidator) dates(data map[string]any) []workflow.Anomaly {
	var out []workflow.Anomaly
	issued, ok := parseDate(data["date"])
	if !ok {
		return nil
	}
	today := v.Now().UTC().Truncate(24 * time.Hour)
	if issued.After(today) {
		out = append(out, anomaly("future_date", workflow.SeverityMedium, "date", "invoice date is in the future"))
	}
	if due, ok := parseDate(data["due_date"]); ok && due.Before(issued) {
		out = append(out, anomaly("invalid_due_date", workflow.SeverityMedium, "due_date", "due date is before invoice date"))
	}
	return out
}

func (v *RuleValidator) invoiceNumber(data map[string]any) []workflow.Anomaly {
	number, ok := data["invoice_number"].(string)
	number = strings.TrimSpace(number)
	if !ok || number == "" || invoiceNumberPattern.MatchString(number) {
		return nil
	}
	return []workflow.Anomaly{anomaly("invalid_invoice_number", workflow.SeverityLow, "invoice_number",
		"invoice number contains invalid characters")}
}

func (v *RuleValidator) lineItems(data map[string]any) []workflow.Anomaly {
	items, _ := data["line_items"].([]any)
	if len(items) == 0 {
		return nil
	}
	var out []workflow.Anomaly
	var sum float64
	for i, raw := range items {
		item, _ := raw.(map[string]any)
		total, _ := number(item["total"])
		sum += total
		quantity, okQ := number(item["quantity"])
		price, okP := number(item["unit_price"])
		if okQ && okP && math.Abs(quantity*price-total) > v.Tolerance {
			id, _ := item["id"].(string)
			if id == "" {
				id = fmt.Sprintf("#%d", i+1)
			}
			out = append(out, anomaly("math_error", workflow.SeverityHigh, "line_items",
				fmt.Sprintf("line item %s total incorrect: %g x %g != %g", id, quantity, price, total)))
		}
	}
	if amount, ok := number(data["amount"]); ok && math.Abs(amount-sum) > v.Tolerance {
		out = append(out, anomaly("total_mismatch", workflow.SeverityHigh, "amount",
			fmt.Sprintf("invoice total %.2f does not match line item sum %.2f", amount, sum)))
	}
	return out
}

func (v *RuleValidator) confidence(data map[string]any) []workflow.Anomaly {
	c, ok := number(data["confidence"])
	if !ok || c >= v.MinConfidence {
		return nil
	}
	a := anomaly("low_confidence", workflow.SeverityMedium, "", fmt.Sprintf("extraction confidence %.2f", c))
	a.Confidence = c
	return []workflow.Anomaly{a}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
