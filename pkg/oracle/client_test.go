package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

func generateReply(text string) string {
	payload := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Options{
		BaseURL:   server.URL,
		Model:     "test-model",
		APIKey:    "test-key",
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		Burst:     100,
		RetryConfig: &RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	})
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"fenced json", "here you go\n```json\n[1, 2]\n```\ndone", "[1, 2]"},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare payload", `  {"a": 1}  `, `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.content); got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePlan(t *testing.T) {
	steps, err := decodePlan("```json\n[{\"operation\": \"verify_credentials\", \"params\": {\"clinician_id\": \"DR_0001\"}}]\n```")
	if err != nil {
		t.Fatalf("decodePlan() error = %v", err)
	}
	if len(steps) != 1 || steps[0].Operation != "verify_credentials" {
		t.Errorf("steps = %+v", steps)
	}
	if steps[0].Params["clinician_id"] != "DR_0001" {
		t.Errorf("params = %v", steps[0].Params)
	}

	if _, err := decodePlan(`[{"params": {}}]`); !mgerrors.IsCode(err, mgerrors.ErrCodeOracleDecode) {
		t.Errorf("missing operation should be ORACLE_DECODE, got %v", err)
	}
	if _, err := decodePlan("not json at all"); !mgerrors.IsCode(err, mgerrors.ErrCodeOracleDecode) {
		t.Errorf("garbage should be ORACLE_DECODE, got %v", err)
	}

	steps, err = decodePlan("null")
	if err != nil || steps != nil {
		t.Errorf("null plan should be (nil, nil), got (%v, %v)", steps, err)
	}
}

func TestDecodeValidation(t *testing.T) {
	result, err := decodeValidation(`{"valid": false, "violation_type": "skipped_consent", "severity": "critical", "explanation": "consent check missing", "allow_retry": false}`)
	if err != nil {
		t.Fatalf("decodeValidation() error = %v", err)
	}
	if result.Valid || result.Severity != SeverityCritical {
		t.Errorf("result = %+v", result)
	}

	// Unknown severity defaults by validity
	result, _ = decodeValidation(`{"valid": false, "severity": "catastrophic", "explanation": "x"}`)
	if result.Severity != SeverityError {
		t.Errorf("invalid result severity = %q, want error", result.Severity)
	}
	result, _ = decodeValidation(`{"valid": true, "explanation": "ok"}`)
	if result.Severity != SeverityNone {
		t.Errorf("valid result severity = %q, want none", result.Severity)
	}
}

func TestClient_Plan(t *testing.T) {
	plan := `[{"operation": "verify_credentials", "params": {"clinician_id": "DR_0001"}}, {"operation": "fetch_record", "params": {"patient_id": "PT_0001"}}]`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		fmt.Fprint(w, generateReply("```json\n"+plan+"\n```"))
	})

	steps, err := client.Plan(context.Background(), "fetch the record for PT_0001", map[string]any{"clinician_id": "DR_0001"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[1].Operation != "fetch_record" {
		t.Errorf("second step = %q", steps[1].Operation)
	}
}

func TestClient_ValidatePlanned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, generateReply(`{"valid": false, "violation_type": "missing_audit_log", "severity": "error", "explanation": "no audit step", "corrected_sequence": [{"operation": "log_access_to_audit_trail", "params": {}}], "allow_retry": true, "requires_user_consent": false, "recommendation": "add the audit step"}`))
	})

	result, err := client.ValidatePlanned(context.Background(), []PlannedStep{{Operation: "fetch_record"}}, nil)
	if err != nil {
		t.Fatalf("ValidatePlanned() error = %v", err)
	}
	if result.Valid {
		t.Error("expected invalid result")
	}
	if len(result.CorrectedSequence) != 1 {
		t.Errorf("corrected sequence length = %d", len(result.CorrectedSequence))
	}
	if !result.AllowRetry {
		t.Error("expected AllowRetry")
	}
}

func TestClient_TransportRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, generateReply("[]"))
	})

	_, err := client.Plan(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("Plan() after retries error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_TransportExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := client.Plan(context.Background(), "query", nil)
	if !mgerrors.IsCode(err, mgerrors.ErrCodeOracleTransport) {
		t.Fatalf("want ORACLE_TRANSPORT, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestClient_DecodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, generateReply("this is not a plan"))
	})

	_, err := client.Plan(context.Background(), "query", nil)
	if !mgerrors.IsCode(err, mgerrors.ErrCodeOracleDecode) {
		t.Fatalf("want ORACLE_DECODE, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, decode failures must not be retried", got)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := client.Plan(context.Background(), "query", nil)
	if !mgerrors.IsCode(err, mgerrors.ErrCodeOracleTransport) {
		t.Fatalf("want ORACLE_TRANSPORT, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, 4xx must not be retried", got)
	}
}

func TestClient_Correct_NullMeansNoCorrection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, generateReply("null"))
	})

	steps, err := client.Correct(context.Background(), []PlannedStep{{Operation: "fetch_record"}}, &ValidationResult{Severity: SeverityError})
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if steps != nil {
		t.Errorf("steps = %v, want nil", steps)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, generateReply("[]"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Plan(ctx, "query", nil)
	if !mgerrors.IsCode(err, mgerrors.ErrCodeOracleTimeout) {
		t.Fatalf("want ORACLE_TIMEOUT, got %v", err)
	}
}
