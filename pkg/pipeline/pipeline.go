// Package pipeline executes planned operation sequences in order with
// stop-on-first-failure semantics.
package pipeline

import (
	"context"
	"fmt"

	"github.com/oakmont-health/medgate/pkg/logging"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/tool"
	"github.com/oakmont-health/medgate/pkg/tool/builtin"
)

// Placeholder token values the oracle sometimes emits instead of the real
// trace token. They get substituted before the audit step runs.
var tokenPlaceholders = map[string]bool{
	"SESSION_TOKEN": true,
	"TOKEN":         true,
}

const auditOperation = "log_access_to_audit_trail"

// StepResult is the outcome of one executed step.
type StepResult struct {
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ConsentDenied reports whether this result is a successful consent lookup
// that came back denied.
func (r StepResult) ConsentDenied() bool {
	if !r.Success || r.Data == nil {
		return false
	}
	granted, ok := r.Data[builtin.ConsentGrantedKey].(bool)
	return ok && !granted
}

// AsMap flattens the result for transmission to the oracle.
func (r StepResult) AsMap() map[string]any {
	m := map[string]any{
		"operation": r.Operation,
		"success":   r.Success,
	}
	for k, v := range r.Data {
		m[k] = v
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// Pipeline runs operation sequences against a registry. Steps within one
// run are strictly sequential; ordering is a policy requirement.
type Pipeline struct {
	registry *tool.Registry
	logger   *logging.Logger
}

// New builds a pipeline over the given registry. The logger may be nil.
func New(registry *tool.Registry, logger *logging.Logger) *Pipeline {
	return &Pipeline{registry: registry, logger: logger}
}

// Run executes the sequence in order and returns the results produced so
// far, wherever it stopped. Stopping conditions: an unknown operation, a
// failed step, a consent denial, or context cancellation. Cancellation
// prevents further steps only; completed mutations stay in place.
func (p *Pipeline) Run(ctx context.Context, sequence []oracle.PlannedStep, traceToken string) []StepResult {
	results := make([]StepResult, 0, len(sequence))

	for i, step := range sequence {
		if ctx.Err() != nil {
			p.logEvent(logging.LevelWarn, "pipeline_cancelled", traceToken, map[string]any{
				"completed_steps": i,
				"total_steps":     len(sequence),
			})
			break
		}

		params := normalizeParams(step, traceToken)
		callID := tool.CallIDFromParams(params)

		if _, ok := p.registry.Get(step.Operation); !ok {
			results = append(results, StepResult{
				Operation: step.Operation,
				Success:   false,
				Error:     fmt.Sprintf("operation not found: %s", step.Operation),
			})
			p.logEvent(logging.LevelError, "pipeline_unknown_operation", traceToken, map[string]any{
				"operation":  step.Operation,
				"step_index": i,
				"call_id":    callID,
			})
			break
		}

		result := p.invoke(ctx, step.Operation, params)
		results = append(results, result)

		p.logEvent(logging.LevelInfo, "pipeline_step", traceToken, map[string]any{
			"operation":  step.Operation,
			"step_index": i,
			"call_id":    callID,
			"success":    result.Success,
		})

		if !result.Success {
			break
		}
		if result.ConsentDenied() {
			p.logEvent(logging.LevelWarn, "pipeline_consent_denied", traceToken, map[string]any{
				"operation":  step.Operation,
				"step_index": i,
			})
			break
		}
	}

	return results
}

// invoke runs one operation, converting panics and errors into failed results.
func (p *Pipeline) invoke(ctx context.Context, name string, params map[string]any) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StepResult{
				Operation: name,
				Success:   false,
				Error:     fmt.Sprintf("operation panicked: %v", r),
			}
		}
	}()

	res, err := p.registry.ExecuteWithContext(ctx, name, params)
	if err != nil {
		return StepResult{Operation: name, Success: false, Error: err.Error()}
	}
	if res == nil {
		return StepResult{Operation: name, Success: false, Error: "operation returned no result"}
	}
	return StepResult{
		Operation: name,
		Success:   res.Success,
		Data:      res.Data,
		Error:     res.Error,
	}
}

// normalizeParams copies step params, substituting the trace token into the
// audit step when it is missing or a placeholder.
func normalizeParams(step oracle.PlannedStep, traceToken string) map[string]any {
	params := make(map[string]any, len(step.Params)+1)
	for k, v := range step.Params {
		params[k] = v
	}

	if step.Operation == auditOperation {
		current, _ := params[builtin.TokenIDParam].(string)
		if current == "" || tokenPlaceholders[current] {
			params[builtin.TokenIDParam] = traceToken
		}
	}
	return params
}

func (p *Pipeline) logEvent(level logging.Level, eventType, traceToken string, details map[string]any) {
	if p.logger == nil {
		return
	}
	p.logger.Log(logging.Event{
		Level:      level,
		Category:   logging.CategoryPipeline,
		EventType:  eventType,
		TraceToken: traceToken,
		Details:    details,
	})
}
