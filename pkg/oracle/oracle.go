// Package oracle is the adapter boundary to the external reasoning service
// that plans operation sequences and judges them against access policy.
package oracle

import (
	"context"
)

// Severity classifies how serious a policy violation is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Known reports whether the severity is one of the defined levels.
func (s Severity) Known() bool {
	switch s {
	case SeverityNone, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// PlannedStep is a single operation call in an execution plan.
type PlannedStep struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// ValidationResult is the oracle's judgment of a planned or executed sequence.
type ValidationResult struct {
	Valid               bool          `json:"valid"`
	ViolationType       string        `json:"violation_type,omitempty"`
	Severity            Severity      `json:"severity"`
	Explanation         string        `json:"explanation"`
	CorrectedSequence   []PlannedStep `json:"corrected_sequence,omitempty"`
	AllowRetry          bool          `json:"allow_retry"`
	RequiresUserConsent bool          `json:"requires_user_consent"`
	Recommendation      string        `json:"recommendation,omitempty"`
}

// Oracle is the external planner/validator contract. All calls are
// network-bound and honor context cancellation. Transport failures come back
// retryable; malformed payloads come back as non-retryable decode errors.
type Oracle interface {
	// Plan turns a natural-language query plus request context into an
	// ordered operation sequence.
	Plan(ctx context.Context, query string, reqCtx map[string]any) ([]PlannedStep, error)

	// ValidatePlanned judges a sequence before execution.
	ValidatePlanned(ctx context.Context, sequence []PlannedStep, reqCtx map[string]any) (*ValidationResult, error)

	// ValidateExecuted judges a sequence after execution. Advisory only.
	ValidateExecuted(ctx context.Context, sequence []PlannedStep, results []map[string]any) (*ValidationResult, error)

	// Correct asks for a repaired sequence for a detected violation.
	// Returns (nil, nil) when no correction is available.
	Correct(ctx context.Context, invalid []PlannedStep, violation *ValidationResult) ([]PlannedStep, error)
}
