package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voronode/invoiceflow/circuit"
	"github.com/voronode/invoiceflow/retry"
)

// ErrorKind classifies a stage failure for routing.
type ErrorKind string

const (
	// ErrorKindInfra covers transport failures, unavailable tools and any
	// error we know nothing about. Unknown errors are classified as infra
	// failures so that they are retried by default. If an error should NOT be
	// retried, wrap it with retry.NewNonRecoverableError or return a
	// StageError of kind ErrorKindTerminal.
	ErrorKindInfra ErrorKind = "infra_failure"

	// ErrorKindTimeout is a stage that exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindCircuitOpen is a call rejected by an open circuit breaker.
	ErrorKindCircuitOpen ErrorKind = "circuit_open"

	// ErrorKindValidation is a document the stage judged invalid. It is
	// retried with critic feedback until the budget runs out.
	ErrorKindValidation ErrorKind = "validation_failure"

	// ErrorKindTerminal fails the instance immediately.
	ErrorKindTerminal ErrorKind = "terminal_error"

	// ErrorKindRejected records a reviewer rejection.
	ErrorKindRejected ErrorKind = "rejected"
)

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k != ErrorKindTerminal && k != ErrorKindRejected
}

// Infra reports whether the kind counts against a circuit breaker and uses
// backoff between attempts.
func (k ErrorKind) Infra() bool {
	return k == ErrorKindInfra || k == ErrorKindTimeout || k == ErrorKindCircuitOpen
}

// StageError is a classified stage failure. It supports Go's error wrapping
// patterns with the Unwrap method.
type StageError struct {
	Kind     ErrorKind `json:"kind"`
	Node     Node      `json:"node,omitempty"`
	Cause    string    `json:"cause"`
	Severity Severity  `json:"severity,omitempty"`
	Wrapped  error     `json:"-"`
}

func (e *StageError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s: %s", e.Node, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Wrapped
}

// NewStageError creates a StageError with the given kind and cause.
func NewStageError(kind ErrorKind, cause string) *StageError {
	return &StageError{Kind: kind, Cause: cause}
}

// ValidationError reports an invalid document with the given severity.
func ValidationError(severity Severity, cause string) *StageError {
	return &StageError{Kind: ErrorKindValidation, Cause: cause, Severity: severity}
}

// TerminalError reports a failure that no retry can fix.
func TerminalError(cause string) *StageError {
	return &StageError{Kind: ErrorKindTerminal, Cause: cause}
}

// ClassifyError attempts to classify a regular error into a StageError.
func ClassifyError(err error) *StageError {
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	if circuit.IsOpen(err) {
		return &StageError{Kind: ErrorKindCircuitOpen, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timed out") {
		return &StageError{Kind: ErrorKindTimeout, Cause: err.Error(), Wrapped: err}
	}
	var nonRecoverable *retry.NonRecoverableError
	if errors.As(err, &nonRecoverable) {
		return &StageError{Kind: ErrorKindTerminal, Cause: err.Error(), Wrapped: err}
	}
	// Default to an infra failure
	return &StageError{Kind: ErrorKindInfra, Cause: err.Error(), Wrapped: err}
}

// countsAgainstBreaker is the failure classifier handed to circuit breakers:
// only infra failures and timeouts trip a circuit.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	kind := ClassifyError(err).Kind
	return kind == ErrorKindInfra || kind == ErrorKindTimeout
}

var (
	// ErrNotFound is returned when no checkpoint exists for an instance id.
	ErrNotFound = errors.New("workflow not found")

	// ErrEmptyDocument is returned by Start and Submit for an empty payload.
	ErrEmptyDocument = errors.New("empty document")

	// ErrUnreadableDocument is returned when the content type is not
	// accepted.
	ErrUnreadableDocument = errors.New("unreadable document")

	// ErrTerminalState is returned when advancing a completed or failed
	// instance.
	ErrTerminalState = errors.New("workflow is in a terminal state")

	// ErrNotesRequired is returned when a rejection carries no notes.
	ErrNotesRequired = errors.New("rejection requires notes")
)

// NotQuarantinedError is returned when resuming an instance that is not
// waiting for review.
type NotQuarantinedError struct {
	ID     string
	Status Status
}

func (e *NotQuarantinedError) Error() string {
	return fmt.Sprintf("workflow %s is not quarantined (status %s)", e.ID, e.Status)
}
