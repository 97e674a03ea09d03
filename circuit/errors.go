package circuit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrOpen is matched by every *OpenError via errors.Is.
	ErrOpen = errors.New("circuit open")

	// ErrUnknownTool is returned when resetting a tool the registry has never
	// seen.
	ErrUnknownTool = errors.New("unknown tool")
)

// OpenError is returned when a call is rejected without being invoked.
type OpenError struct {
	Tool         string        `json:"tool"`
	FailureCount int           `json:"failure_count"`
	Remaining    time.Duration `json:"remaining"`
	// Probing is set when the circuit is half-open and another call already
	// holds the probe.
	Probing bool `json:"probing,omitempty"`
}

func (e *OpenError) Error() string {
	if e.Probing {
		return fmt.Sprintf("circuit open for %s: probe in flight", e.Tool)
	}
	return fmt.Sprintf("circuit open for %s: retry in %ds", e.Tool, e.RemainingSeconds())
}

// Is lets errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (e *OpenError) RemainingSeconds() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Seconds()))
}

// IsOpen reports whether err was produced by an open circuit.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
