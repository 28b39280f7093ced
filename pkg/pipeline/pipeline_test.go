package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/oakmont-health/medgate/pkg/logging"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/tool"
	"github.com/oakmont-health/medgate/pkg/tool/builtin"
)

type fakeTool struct {
	name     string
	execute  func(ctx context.Context, params map[string]any) (*tool.Result, error)
	lastArgs map[string]any
	calls    int
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake" }
func (f *fakeTool) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{Type: "object"}
}
func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	f.calls++
	f.lastArgs = params
	return f.execute(ctx, params)
}

func okTool(name string) *fakeTool {
	return &fakeTool{
		name: name,
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			return &tool.Result{Success: true, Data: map[string]any{"from": name}}, nil
		},
	}
}

func newPipeline(tools ...tool.Tool) (*Pipeline, *tool.Registry) {
	reg := tool.NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return New(reg, nil), reg
}

func steps(names ...string) []oracle.PlannedStep {
	out := make([]oracle.PlannedStep, 0, len(names))
	for _, n := range names {
		out = append(out, oracle.PlannedStep{Operation: n, Params: map[string]any{}})
	}
	return out
}

func TestRun_AllSucceed(t *testing.T) {
	p, _ := newPipeline(okTool("verify_credentials"), okTool("fetch_record"))

	results := p.Run(context.Background(), steps("verify_credentials", "fetch_record"), "HIPAA_TOK_1")
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("step %s failed: %s", r.Operation, r.Error)
		}
	}
}

func TestRun_StopsOnFailure(t *testing.T) {
	failing := &fakeTool{
		name: "fetch_record",
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			return &tool.Result{Success: false, Error: "record locked"}, nil
		},
	}
	third := okTool("log_access_to_audit_trail")
	p, _ := newPipeline(okTool("verify_credentials"), failing, third)

	results := p.Run(context.Background(), steps("verify_credentials", "fetch_record", "log_access_to_audit_trail"), "HIPAA_TOK_1")
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (stop after failure)", len(results))
	}
	if results[1].Success {
		t.Error("second result should be the failure")
	}
	if third.calls != 0 {
		t.Error("step after failure must not run")
	}
}

func TestRun_UnknownOperationSynthesizesFailure(t *testing.T) {
	after := okTool("fetch_record")
	p, _ := newPipeline(after)

	results := p.Run(context.Background(), steps("teleport_patient", "fetch_record"), "HIPAA_TOK_1")
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Success || results[0].Error == "" {
		t.Errorf("expected synthesized failure, got %+v", results[0])
	}
	if after.calls != 0 {
		t.Error("steps after unknown operation must not run")
	}
}

func TestRun_ConsentDenialStopsEarly(t *testing.T) {
	consent := &fakeTool{
		name: "check_patient_consent_status",
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			return &tool.Result{
				Success: true,
				Data:    map[string]any{builtin.ConsentGrantedKey: false},
			}, nil
		},
	}
	fetch := okTool("fetch_record")
	p, _ := newPipeline(okTool("verify_credentials"), consent, fetch)

	results := p.Run(context.Background(), steps("verify_credentials", "check_patient_consent_status", "fetch_record"), "HIPAA_TOK_1")
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[1].Success {
		t.Error("denied consent lookup still reports success:true")
	}
	if !results[1].ConsentDenied() {
		t.Error("second result should carry the denial flag")
	}
	if fetch.calls != 0 {
		t.Error("fetch must not run after consent denial")
	}
}

func TestRun_PanicBecomesFailedResult(t *testing.T) {
	panicky := &fakeTool{
		name: "fetch_record",
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			panic("index out of range")
		},
	}
	p, _ := newPipeline(panicky)

	results := p.Run(context.Background(), steps("fetch_record"), "HIPAA_TOK_1")
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Success {
		t.Error("panicked step should fail")
	}
	if results[0].Error == "" {
		t.Error("panicked step should carry an error message")
	}
}

func TestRun_ToolErrorBecomesFailedResult(t *testing.T) {
	erroring := &fakeTool{
		name: "fetch_record",
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			return nil, errors.New("disk on fire")
		},
	}
	p, _ := newPipeline(erroring)

	results := p.Run(context.Background(), steps("fetch_record"), "HIPAA_TOK_1")
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Error != "disk on fire" {
		t.Errorf("error = %q", results[0].Error)
	}
}

func TestRun_AuditTokenNormalization(t *testing.T) {
	audit := okTool("log_access_to_audit_trail")
	p, _ := newPipeline(audit)

	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"missing token", map[string]any{}, "HIPAA_REAL_TOKEN"},
		{"placeholder SESSION_TOKEN", map[string]any{builtin.TokenIDParam: "SESSION_TOKEN"}, "HIPAA_REAL_TOKEN"},
		{"placeholder TOKEN", map[string]any{builtin.TokenIDParam: "TOKEN"}, "HIPAA_REAL_TOKEN"},
		{"explicit token preserved", map[string]any{builtin.TokenIDParam: "HIPAA_OTHER"}, "HIPAA_OTHER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := []oracle.PlannedStep{{Operation: "log_access_to_audit_trail", Params: tt.params}}
			p.Run(context.Background(), seq, "HIPAA_REAL_TOKEN")
			if got := audit.lastArgs[builtin.TokenIDParam]; got != tt.want {
				t.Errorf("token = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestRun_NormalizationDoesNotMutatePlan(t *testing.T) {
	audit := okTool("log_access_to_audit_trail")
	p, _ := newPipeline(audit)

	seq := []oracle.PlannedStep{{Operation: "log_access_to_audit_trail", Params: map[string]any{"action": "fetch"}}}
	p.Run(context.Background(), seq, "HIPAA_REAL_TOKEN")

	if _, ok := seq[0].Params[builtin.TokenIDParam]; ok {
		t.Error("normalization must not write into the planned step")
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	first := &fakeTool{
		name: "verify_credentials",
		execute: func(ctx context.Context, params map[string]any) (*tool.Result, error) {
			cancel()
			return &tool.Result{Success: true}, nil
		},
	}
	second := okTool("fetch_record")
	p, _ := newPipeline(first, second)

	results := p.Run(ctx, steps("verify_credentials", "fetch_record"), "HIPAA_TOK_1")
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if second.calls != 0 {
		t.Error("no steps may run after cancellation")
	}
}

func TestStepResult_AsMap(t *testing.T) {
	r := StepResult{
		Operation: "fetch_record",
		Success:   true,
		Data:      map[string]any{"patient_id": "PT_0001"},
	}
	m := r.AsMap()
	if m["operation"] != "fetch_record" || m["success"] != true || m["patient_id"] != "PT_0001" {
		t.Errorf("AsMap() = %v", m)
	}
}

func TestRun_StepLogCarriesCallID(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(dir, "pipe-1")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	reg := tool.NewRegistry()
	reg.Register(okTool("verify_credentials"))
	reg.Register(okTool("fetch_record"))
	p := New(reg, logger)

	sequence := []oracle.PlannedStep{
		{Operation: "verify_credentials", Params: map[string]any{tool.CallIDParam: "call-7"}},
		{Operation: "fetch_record", Params: map[string]any{}},
	}
	results := p.Run(context.Background(), sequence, "HIPAA_TOK")
	logger.Close()

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	events, err := logging.ReadRecentEvents(filepath.Join(dir, "sessions", "pipe-1.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents() error = %v", err)
	}

	callIDs := make([]string, 0, 2)
	for _, ev := range events {
		if ev.EventType != "pipeline_step" {
			continue
		}
		id, _ := ev.Details["call_id"].(string)
		callIDs = append(callIDs, id)
	}
	if len(callIDs) != 2 {
		t.Fatalf("got %d step events, want 2", len(callIDs))
	}
	if callIDs[0] != "call-7" {
		t.Errorf("caller-supplied call id = %q, want call-7", callIDs[0])
	}
	if callIDs[1] == "" {
		t.Error("second step should get a minted call id")
	}
}
