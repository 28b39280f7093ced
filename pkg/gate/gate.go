// Package gate enforces policy around plan execution: pre-validation,
// bounded severity-aware retry with corrected sequences, and advisory
// post-validation.
package gate

import (
	"context"
	"sync"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/logging"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/pipeline"
)

// State is a policy gate state. Accepted and Rejected are terminal.
type State string

const (
	StatePlanned  State = "PLANNED"
	StateValid    State = "VALID"
	StateInvalid  State = "INVALID"
	StateAccepted State = "ACCEPTED"
	StateRejected State = "REJECTED"
)

// RetryState tracks the correction budget for one request or one continuing
// session. Never shared across unrelated requests; concurrent requests on
// the same session share one instance, so the counter is mutex-guarded.
// Max is fixed at construction and never mutated afterwards.
type RetryState struct {
	Max int

	mu       sync.Mutex
	attempts int
}

// Attempts returns the number of corrections consumed so far.
func (r *RetryState) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Exhausted reports whether the correction budget is spent.
func (r *RetryState) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.Max
}

// Consume records one correction attempt and returns the updated count.
func (r *RetryState) Consume() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.attempts
}

// ConsentFunc asks the caller whether a corrected sequence may be executed.
type ConsentFunc func(violation *oracle.ValidationResult) bool

// Outcome is the terminal result of gating one plan.
type Outcome struct {
	State     State
	Executed  []oracle.PlannedStep
	Results   []pipeline.StepResult
	Violation *oracle.ValidationResult
	Reason    string
	Corrected bool
}

// Options configures a Gate.
type Options struct {
	MaxRetries     int
	RequireConsent bool
	Consent        ConsentFunc
	Logger         *logging.Logger
	Violations     *logging.ViolationLogger
}

// Gate drives the validate/correct/execute state machine for one plan at a
// time. The gate itself is stateless across requests; retry budgets live in
// the caller-owned RetryState.
type Gate struct {
	oracle         oracle.Oracle
	pipeline       *pipeline.Pipeline
	consent        ConsentFunc
	logger         *logging.Logger
	violations     *logging.ViolationLogger
	maxRetries     int
	requireConsent bool
}

// New builds a gate over the given oracle and pipeline.
func New(o oracle.Oracle, p *pipeline.Pipeline, opts Options) *Gate {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Gate{
		oracle:         o,
		pipeline:       p,
		consent:        opts.Consent,
		logger:         opts.Logger,
		violations:     opts.Violations,
		maxRetries:     maxRetries,
		requireConsent: opts.RequireConsent,
	}
}

// NewRetryState returns a fresh budget sized to the gate's configuration.
func (g *Gate) NewRetryState() *RetryState {
	return &RetryState{Max: g.maxRetries}
}

// Process validates the sequence and, when valid, executes it. On a
// violation it attempts at most one correction cycle against the retry
// budget; corrected sequences are executed directly without re-validation.
func (g *Gate) Process(ctx context.Context, sequence []oracle.PlannedStep, reqCtx map[string]any, traceToken string, retry *RetryState) (*Outcome, error) {
	if retry == nil {
		retry = g.NewRetryState()
	}

	validation, err := g.oracle.ValidatePlanned(ctx, sequence, reqCtx)
	if err != nil {
		return nil, err
	}

	if validation.Valid {
		results := g.pipeline.Run(ctx, sequence, traceToken)
		return &Outcome{
			State:    StateAccepted,
			Executed: sequence,
			Results:  results,
		}, nil
	}

	g.recordViolation(traceToken, sequence, validation)

	if validation.Severity == oracle.SeverityCritical {
		return g.reject(validation, "Critical violations cannot be retried. Requires admin review."), nil
	}
	if !validation.AllowRetry {
		return g.reject(validation, "The policy judgment does not permit a retry."), nil
	}
	if retry.Exhausted() {
		g.logRetry(traceToken, "retry_budget_exhausted", map[string]any{
			"attempts": retry.Attempts(),
			"max":      retry.Max,
		})
		return g.reject(validation, "Retry budget exhausted for this request."), nil
	}

	if validation.RequiresUserConsent || g.requireConsent {
		if g.consent == nil || !g.consent(validation) {
			g.logRetry(traceToken, "retry_consent_declined", map[string]any{
				"violation_type": validation.ViolationType,
			})
			return g.reject(validation, "User declined retry with corrected sequence."), nil
		}
	}

	corrected := validation.CorrectedSequence
	if len(corrected) == 0 {
		corrected, err = g.oracle.Correct(ctx, sequence, validation)
		if err != nil {
			if mgerrors.IsCode(err, mgerrors.ErrCodeOracleDecode) {
				return g.reject(validation, "Unable to generate corrected sequence."), nil
			}
			return nil, err
		}
	}
	if len(corrected) == 0 {
		return g.reject(validation, "Unable to generate corrected sequence."), nil
	}

	attempts := retry.Consume()
	g.logRetry(traceToken, "retry_corrected_sequence", map[string]any{
		"attempts":       attempts,
		"max":            retry.Max,
		"violation_type": validation.ViolationType,
		"steps":          len(corrected),
	})

	// Single-shot trust: the corrected sequence runs without re-validation.
	// If it fails at execution time, pipeline stop-on-failure applies and no
	// further correction is requested.
	results := g.pipeline.Run(ctx, corrected, traceToken)
	return &Outcome{
		State:     StateAccepted,
		Executed:  corrected,
		Results:   results,
		Violation: validation,
		Corrected: true,
	}, nil
}

// PostValidate runs the advisory post-execution check. Failures never block
// or reverse anything; a transport or decode error just yields nil.
func (g *Gate) PostValidate(ctx context.Context, executed []oracle.PlannedStep, results []pipeline.StepResult, traceToken string) *oracle.ValidationResult {
	resultMaps := make([]map[string]any, 0, len(results))
	for _, r := range results {
		resultMaps = append(resultMaps, r.AsMap())
	}

	validation, err := g.oracle.ValidateExecuted(ctx, executed, resultMaps)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn(logging.CategoryValidation, "post_validation_unavailable", err.Error(), map[string]any{
				"trace_token": traceToken,
			})
		}
		return nil
	}
	if !validation.Valid {
		g.recordViolation(traceToken, executed, validation)
	}
	return validation
}

func (g *Gate) reject(validation *oracle.ValidationResult, reason string) *Outcome {
	return &Outcome{
		State:     StateRejected,
		Violation: validation,
		Reason:    reason,
	}
}

func (g *Gate) recordViolation(traceToken string, sequence []oracle.PlannedStep, validation *oracle.ValidationResult) {
	if g.logger != nil {
		g.logger.Log(logging.Event{
			Level:      logging.LevelWarn,
			Category:   logging.CategoryValidation,
			EventType:  "policy_violation",
			TraceToken: traceToken,
			Details: map[string]any{
				"violation_type": validation.ViolationType,
				"severity":       string(validation.Severity),
				"explanation":    validation.Explanation,
			},
		})
	}
	if g.violations != nil {
		operations := make([]string, 0, len(sequence))
		for _, step := range sequence {
			operations = append(operations, step.Operation)
		}
		g.violations.Write(logging.ViolationEntry{
			TraceToken:     traceToken,
			ViolationType:  validation.ViolationType,
			Severity:       string(validation.Severity),
			Explanation:    validation.Explanation,
			Sequence:       operations,
			Recommendation: validation.Recommendation,
		})
	}
}

func (g *Gate) logRetry(traceToken, eventType string, details map[string]any) {
	if g.logger == nil {
		return
	}
	g.logger.Log(logging.Event{
		Level:      logging.LevelInfo,
		Category:   logging.CategoryRetry,
		EventType:  eventType,
		TraceToken: traceToken,
		Details:    details,
	})
}
