package gate

import (
	"context"
	"sync"
	"testing"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/pipeline"
	"github.com/oakmont-health/medgate/pkg/tool"
)

type fakeOracle struct {
	planned      []oracle.PlannedStep
	validation   *oracle.ValidationResult
	validateErr  error
	correction   []oracle.PlannedStep
	correctErr   error
	validateRuns int
	correctRuns  int
}

func (f *fakeOracle) Plan(ctx context.Context, query string, reqCtx map[string]any) ([]oracle.PlannedStep, error) {
	return f.planned, nil
}

func (f *fakeOracle) ValidatePlanned(ctx context.Context, sequence []oracle.PlannedStep, reqCtx map[string]any) (*oracle.ValidationResult, error) {
	f.validateRuns++
	return f.validation, f.validateErr
}

func (f *fakeOracle) ValidateExecuted(ctx context.Context, sequence []oracle.PlannedStep, results []map[string]any) (*oracle.ValidationResult, error) {
	return &oracle.ValidationResult{Valid: true, Severity: oracle.SeverityNone}, nil
}

func (f *fakeOracle) Correct(ctx context.Context, invalid []oracle.PlannedStep, violation *oracle.ValidationResult) ([]oracle.PlannedStep, error) {
	f.correctRuns++
	return f.correction, f.correctErr
}

type countingTool struct {
	name  string
	calls int
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "counting" }
func (c *countingTool) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{Type: "object"}
}
func (c *countingTool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	c.calls++
	return &tool.Result{Success: true}, nil
}

func newGate(o oracle.Oracle, opts Options, tools ...*countingTool) *Gate {
	reg := tool.NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return New(o, pipeline.New(reg, nil), opts)
}

func seq(names ...string) []oracle.PlannedStep {
	out := make([]oracle.PlannedStep, 0, len(names))
	for _, n := range names {
		out = append(out, oracle.PlannedStep{Operation: n, Params: map[string]any{}})
	}
	return out
}

func TestProcess_SharedRetryStateAcrossConcurrentRequests(t *testing.T) {
	// Requests on the same continuing session share one RetryState.
	shared := &RetryState{Max: 100}

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fo := &fakeOracle{
				validation: &oracle.ValidationResult{
					Valid:         false,
					ViolationType: "missing_consent_check",
					Severity:      oracle.SeverityError,
					AllowRetry:    true,
				},
				correction: seq("verify_credentials", "fetch_record"),
			}
			g := newGate(fo, Options{MaxRetries: 100}, &countingTool{name: "verify_credentials"}, &countingTool{name: "fetch_record"})
			outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", shared)
			if err != nil {
				t.Errorf("Process() error = %v", err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	for i, outcome := range outcomes {
		if outcome == nil {
			t.Fatalf("request %d produced no outcome", i)
		}
		if outcome.State != StateAccepted || !outcome.Corrected {
			t.Errorf("request %d: State = %s, Corrected = %v", i, outcome.State, outcome.Corrected)
		}
	}
	if shared.Attempts() != 8 {
		t.Errorf("Attempts = %d, want 8", shared.Attempts())
	}
}

func TestProcess_ValidPlanExecutes(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{validation: &oracle.ValidationResult{Valid: true, Severity: oracle.SeverityNone}}
	g := newGate(fo, Options{MaxRetries: 3}, fetch)

	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateAccepted {
		t.Errorf("State = %s, want ACCEPTED", outcome.State)
	}
	if fetch.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetch.calls)
	}
	if outcome.Corrected {
		t.Error("valid plan should not be marked corrected")
	}
}

func TestProcess_CriticalRejectsImmediately(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:         false,
			ViolationType: "bulk_access",
			Severity:      oracle.SeverityCritical,
			AllowRetry:    true,
			CorrectedSequence: seq("fetch_record"),
		},
	}
	g := newGate(fo, Options{MaxRetries: 3}, fetch)

	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateRejected {
		t.Errorf("State = %s, want REJECTED", outcome.State)
	}
	if fetch.calls != 0 {
		t.Error("critical violation must not execute anything, even with budget left")
	}
	if fo.correctRuns != 0 {
		t.Error("critical violation must not request correction")
	}
}

func TestProcess_CorrectedSequenceRunsWithoutRevalidation(t *testing.T) {
	verify := &countingTool{name: "verify_credentials"}
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:             false,
			ViolationType:     "skipped_verification",
			Severity:          oracle.SeverityError,
			AllowRetry:        true,
			CorrectedSequence: seq("verify_credentials", "fetch_record"),
		},
	}
	g := newGate(fo, Options{MaxRetries: 3}, verify, fetch)

	retry := g.NewRetryState()
	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", retry)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateAccepted || !outcome.Corrected {
		t.Errorf("outcome = %+v", outcome)
	}
	if len(outcome.Executed) != 2 {
		t.Errorf("executed %d steps, want the corrected 2", len(outcome.Executed))
	}
	if fo.validateRuns != 1 {
		t.Errorf("validateRuns = %d; corrected sequences must not be re-validated", fo.validateRuns)
	}
	if retry.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", retry.Attempts())
	}
	if outcome.Violation == nil {
		t.Error("outcome should surface the original violation")
	}
}

func TestProcess_RetryBudgetExhausted(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:             false,
			Severity:          oracle.SeverityError,
			AllowRetry:        true,
			CorrectedSequence: seq("fetch_record"),
		},
	}
	g := newGate(fo, Options{MaxRetries: 2}, fetch)

	retry := &RetryState{Max: 2}
	retry.Consume()
	retry.Consume()
	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", retry)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateRejected {
		t.Errorf("State = %s, want REJECTED", outcome.State)
	}
	if outcome.Reason == "" {
		t.Error("rejection should cite the exhausted budget")
	}
	if fetch.calls != 0 {
		t.Error("no execution after budget exhaustion")
	}
}

func TestProcess_ConsentDeclinedRejects(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:               false,
			Severity:            oracle.SeverityError,
			AllowRetry:          true,
			RequiresUserConsent: true,
			CorrectedSequence:   seq("fetch_record"),
		},
	}
	declined := false
	g := newGate(fo, Options{
		MaxRetries: 3,
		Consent: func(v *oracle.ValidationResult) bool {
			declined = true
			return false
		},
	}, fetch)

	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !declined {
		t.Fatal("consent callback was not invoked")
	}
	if outcome.State != StateRejected || fetch.calls != 0 {
		t.Errorf("outcome = %+v, fetch calls = %d", outcome, fetch.calls)
	}
}

func TestProcess_ConsentGrantedProceeds(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:               false,
			Severity:            oracle.SeverityWarning,
			AllowRetry:          true,
			RequiresUserConsent: true,
			CorrectedSequence:   seq("fetch_record"),
		},
	}
	g := newGate(fo, Options{
		MaxRetries: 3,
		Consent:    func(v *oracle.ValidationResult) bool { return true },
	}, fetch)

	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateAccepted || fetch.calls != 1 {
		t.Errorf("outcome = %+v, fetch calls = %d", outcome, fetch.calls)
	}
}

func TestProcess_FallbackCorrectionRequested(t *testing.T) {
	fetch := &countingTool{name: "fetch_record"}
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:      false,
			Severity:   oracle.SeverityError,
			AllowRetry: true,
		},
		correction: seq("fetch_record"),
	}
	g := newGate(fo, Options{MaxRetries: 3}, fetch)

	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if fo.correctRuns != 1 {
		t.Errorf("correctRuns = %d, want 1", fo.correctRuns)
	}
	if outcome.State != StateAccepted || fetch.calls != 1 {
		t.Errorf("outcome = %+v, fetch calls = %d", outcome, fetch.calls)
	}
}

func TestProcess_NoCorrectionRejects(t *testing.T) {
	fo := &fakeOracle{
		validation: &oracle.ValidationResult{
			Valid:      false,
			Severity:   oracle.SeverityError,
			AllowRetry: true,
		},
	}
	g := newGate(fo, Options{MaxRetries: 3})

	retry := g.NewRetryState()
	outcome, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", retry)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.State != StateRejected {
		t.Errorf("State = %s, want REJECTED", outcome.State)
	}
	if retry.Attempts() != 0 {
		t.Errorf("Attempts = %d; a failed correction must not consume the budget", retry.Attempts())
	}
}

func TestProcess_ValidationErrorPropagates(t *testing.T) {
	fo := &fakeOracle{
		validateErr: mgerrors.New(mgerrors.ErrCodeOracleDecode, "malformed validation payload"),
	}
	g := newGate(fo, Options{MaxRetries: 3})

	_, err := g.Process(context.Background(), seq("fetch_record"), nil, "HIPAA_TOK", g.NewRetryState())
	if !mgerrors.IsCode(err, mgerrors.ErrCodeOracleDecode) {
		t.Fatalf("want ORACLE_DECODE, got %v", err)
	}
}

func TestPostValidate_Advisory(t *testing.T) {
	fo := &fakeOracle{validation: &oracle.ValidationResult{Valid: true, Severity: oracle.SeverityNone}}
	g := newGate(fo, Options{MaxRetries: 3})

	result := g.PostValidate(context.Background(), seq("fetch_record"), []pipeline.StepResult{
		{Operation: "fetch_record", Success: true},
	}, "HIPAA_TOK")
	if result == nil || !result.Valid {
		t.Errorf("PostValidate() = %+v", result)
	}
}
