// Package orchestrator coordinates one request end to end: trace token,
// session memory recall, oracle planning, policy gating, pipeline execution,
// advisory post-validation, and memory update.
package orchestrator

import (
	"context"
	"sync"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/gate"
	"github.com/oakmont-health/medgate/pkg/logging"
	"github.com/oakmont-health/medgate/pkg/observability"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/pipeline"
	"github.com/oakmont-health/medgate/pkg/storage"
)

// Request is one orchestrated query. SessionID is the caller's
// continuing-session identifier; it is distinct from the per-request trace
// token and is what memory recall and updates key on.
type Request struct {
	Query       string
	ClinicianID string
	PatientID   string
	SessionID   string
	Context     map[string]any
}

// Result is the structured outcome returned to the caller.
type Result struct {
	Success          bool                     `json:"success"`
	TraceToken       string                   `json:"trace_token"`
	State            gate.State               `json:"state,omitempty"`
	ExecutedSequence []oracle.PlannedStep     `json:"executed_sequence,omitempty"`
	Results          []pipeline.StepResult    `json:"results,omitempty"`
	Violation        *oracle.ValidationResult `json:"violation,omitempty"`
	PostValidation   *oracle.ValidationResult `json:"post_validation,omitempty"`
	Reason           string                   `json:"reason,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

// Orchestrator wires the oracle, gate, and memory store together. Safe for
// concurrent use; each ProcessRequest call is independent.
type Orchestrator struct {
	oracle oracle.Oracle
	gate   *gate.Gate
	memory *storage.Store
	logger *logging.Logger
	tokens *TokenGenerator

	mu           sync.Mutex
	sessionRetry map[string]*gate.RetryState
}

// New builds an orchestrator. The memory store may be nil; memory features
// then degrade to no-ops.
func New(o oracle.Oracle, g *gate.Gate, memory *storage.Store, logger *logging.Logger, tokens *TokenGenerator) *Orchestrator {
	if tokens == nil {
		tokens = NewTokenGenerator("", 0)
	}
	return &Orchestrator{
		oracle:       o,
		gate:         g,
		memory:       memory,
		logger:       logger,
		tokens:       tokens,
		sessionRetry: make(map[string]*gate.RetryState),
	}
}

// ProcessRequest runs one request through plan, gate, execute, and
// post-validate. Storage failures never abort the request; oracle decode
// failures reject it outright.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *Request) *Result {
	if req == nil {
		req = &Request{}
	}
	recordRequestStart()

	traceToken, err := o.tokens.Generate()
	if err != nil {
		return &Result{Success: false, Error: "failed to issue trace token: " + err.Error()}
	}
	ctx, span := observability.StartSpan(ctx, "orchestrator.process_request")
	defer span.End()
	observability.SetAttributes(ctx, observability.AttrTraceToken.String(traceToken))

	clinicianID, patientID := o.recallContext(req, traceToken)

	reqCtx := map[string]any{
		"trace_token": traceToken,
	}
	for k, v := range req.Context {
		reqCtx[k] = v
	}
	if clinicianID != "" {
		reqCtx["clinician_id"] = clinicianID
		observability.SetAttributes(ctx, observability.AttrClinicianID.String(clinicianID))
	}
	if patientID != "" {
		reqCtx["patient_id"] = patientID
		observability.SetAttributes(ctx, observability.AttrPatientID.String(patientID))
	}

	plan, err := o.oracle.Plan(ctx, req.Query, reqCtx)
	if err != nil {
		observability.RecordError(ctx, err)
		return o.failure(traceToken, err)
	}
	if len(plan) == 0 {
		return &Result{
			Success:    false,
			TraceToken: traceToken,
			Error:      "oracle produced no executable plan for this request",
		}
	}

	retry := o.retryStateFor(req.SessionID)
	outcome, err := o.gate.Process(ctx, plan, reqCtx, traceToken, retry)
	if err != nil {
		observability.RecordError(ctx, err)
		return o.failure(traceToken, err)
	}
	observability.SetAttributes(ctx, observability.AttrGateState.String(string(outcome.State)))

	if outcome.State == gate.StateRejected {
		recordRejection()
		o.logEvent(logging.LevelWarn, logging.CategoryValidation, "request_rejected", traceToken, map[string]any{
			"reason": outcome.Reason,
		})
		return &Result{
			Success:    false,
			TraceToken: traceToken,
			State:      outcome.State,
			Violation:  outcome.Violation,
			Reason:     outcome.Reason,
		}
	}

	if outcome.Corrected {
		recordCorrection()
	}
	recordStepsExecuted(len(outcome.Results))
	observability.SetAttributes(ctx, observability.AttrStepCount.Int(len(outcome.Results)))

	post := o.gate.PostValidate(ctx, outcome.Executed, outcome.Results, traceToken)

	o.updateMemory(req.SessionID, patientID, clinicianID, req.Query, traceToken)

	return &Result{
		Success:          executionSucceeded(outcome),
		TraceToken:       traceToken,
		State:            outcome.State,
		ExecutedSequence: outcome.Executed,
		Results:          outcome.Results,
		Violation:        outcome.Violation,
		PostValidation:   post,
	}
}

// recallContext fills missing ids from the continuing session's memory.
// Memory is best-effort: storage errors degrade to an empty recall.
func (o *Orchestrator) recallContext(req *Request, traceToken string) (clinicianID, patientID string) {
	clinicianID = req.ClinicianID
	patientID = req.PatientID

	if req.SessionID == "" || o.memory == nil {
		return clinicianID, patientID
	}

	rec, err := o.memory.Recall(req.SessionID)
	if err != nil {
		recordMemoryDegraded()
		o.logEvent(logging.LevelWarn, logging.CategoryMemory, "recall_failed", traceToken, map[string]any{
			"session_id": req.SessionID,
			"error":      err.Error(),
		})
		return clinicianID, patientID
	}
	if rec == nil {
		return clinicianID, patientID
	}

	if clinicianID == "" {
		clinicianID = rec.ClinicianID
	}
	if patientID == "" {
		patientID = rec.LastPatientID
	}
	o.logEvent(logging.LevelInfo, logging.CategoryMemory, "session_recalled", traceToken, map[string]any{
		"session_id": req.SessionID,
		"history":    len(rec.History),
	})
	return clinicianID, patientID
}

// updateMemory persists the session context when both ids are known, keyed
// by the continuing-session identifier rather than the fresh trace token.
func (o *Orchestrator) updateMemory(sessionID, patientID, clinicianID, action, traceToken string) {
	if sessionID == "" || patientID == "" || clinicianID == "" || o.memory == nil {
		return
	}
	if err := o.memory.Remember(sessionID, patientID, clinicianID, action); err != nil {
		recordMemoryDegraded()
		o.logEvent(logging.LevelWarn, logging.CategoryMemory, "remember_failed", traceToken, map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// retryStateFor returns the session's shared retry budget, or a fresh
// per-request one when the caller did not thread a session id.
func (o *Orchestrator) retryStateFor(sessionID string) *gate.RetryState {
	if sessionID == "" {
		return o.gate.NewRetryState()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.sessionRetry[sessionID]
	if !ok {
		state = o.gate.NewRetryState()
		o.sessionRetry[sessionID] = state
	}
	return state
}

func (o *Orchestrator) failure(traceToken string, err error) *Result {
	res := &Result{
		Success:    false,
		TraceToken: traceToken,
	}
	if mgErr, ok := err.(*mgerrors.Error); ok {
		res.Error = string(mgErr.Code) + ": " + mgErr.Message
		if mgErr.UserMessage != "" {
			res.Error = mgErr.UserMessage
		}
	} else {
		res.Error = err.Error()
	}
	o.logEvent(logging.LevelError, logging.CategoryOracle, "request_failed", traceToken, map[string]any{
		"error": err.Error(),
	})
	return res
}

// executionSucceeded reports whether the whole accepted plan ran to
// completion without a failed step or consent denial.
func executionSucceeded(outcome *gate.Outcome) bool {
	if len(outcome.Results) != len(outcome.Executed) {
		return false
	}
	for _, r := range outcome.Results {
		if !r.Success || r.ConsentDenied() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) logEvent(level logging.Level, category logging.Category, eventType, traceToken string, details map[string]any) {
	if o.logger == nil {
		return
	}
	o.logger.Log(logging.Event{
		Level:      level,
		Category:   category,
		EventType:  eventType,
		TraceToken: traceToken,
		Details:    details,
	})
}
