package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/storage"
	"github.com/oakmont-health/medgate/pkg/tool"
)

func newFixtures(t *testing.T) (*records.Store, *storage.Store) {
	t.Helper()

	rec, err := records.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("records.NewStore() error = %v", err)
	}
	if err := records.GenerateMockData(rec, 5, 3, 7); err != nil {
		t.Fatalf("GenerateMockData() error = %v", err)
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return rec, store
}

// activeClinician returns a clinician id that verifies, from the seeded set.
func activeClinician(t *testing.T, rec *records.Store) string {
	t.Helper()
	for _, id := range rec.ListClinicianIDs() {
		if ok, _, err := rec.VerifyCredentials(id); err == nil && ok {
			return id
		}
	}
	t.Fatal("no active clinician in mock data")
	return ""
}

func TestVerifyCredentials(t *testing.T) {
	rec, _ := newFixtures(t)
	op := &VerifyCredentials{Records: rec}

	res, err := op.Execute(context.Background(), map[string]any{"clinician_id": activeClinician(t, rec)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || res.Data["verified"] != true {
		t.Errorf("result = %+v", res)
	}

	res, _ = op.Execute(context.Background(), map[string]any{"clinician_id": "DR_9999"})
	if !res.Success || res.Data["verified"] != false {
		t.Errorf("missing clinician should be success with verified=false, got %+v", res)
	}

	res, _ = op.Execute(context.Background(), map[string]any{"clinician_id": "nurse-bob"})
	if res.Success {
		t.Errorf("malformed id should fail the step, got %+v", res)
	}
}

func TestCheckConsent(t *testing.T) {
	rec, _ := newFixtures(t)
	op := &CheckConsent{Records: rec}
	clinician := activeClinician(t, rec)

	// Force a known consent state
	patientID := rec.ListPatientIDs()[0]

	res, err := op.Execute(context.Background(), map[string]any{
		"patient_id":   patientID,
		"clinician_id": clinician,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("consent lookup should succeed, got %+v", res)
	}
	if _, ok := res.Data[ConsentGrantedKey].(bool); !ok {
		t.Errorf("missing %s flag in %+v", ConsentGrantedKey, res.Data)
	}

	res, _ = op.Execute(context.Background(), map[string]any{
		"patient_id":   "PT_9999",
		"clinician_id": clinician,
	})
	if !res.Success || res.Data[ConsentGrantedKey] != false {
		t.Errorf("unknown patient should deny consent without failing, got %+v", res)
	}
}

func TestFetchRecord_FieldFilter(t *testing.T) {
	rec, _ := newFixtures(t)
	op := &FetchRecord{Records: rec}
	patientID := rec.ListPatientIDs()[0]

	res, err := op.Execute(context.Background(), map[string]any{"patient_id": patientID})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := res.Data["vitals"]; !ok {
		t.Error("full fetch should include vitals")
	}

	res, _ = op.Execute(context.Background(), map[string]any{
		"patient_id": patientID,
		"fields":     []any{"name", "allergies"},
	})
	if _, ok := res.Data["vitals"]; ok {
		t.Error("filtered fetch should not include vitals")
	}
	if _, ok := res.Data["allergies"]; !ok {
		t.Error("filtered fetch should include requested field")
	}

	res, _ = op.Execute(context.Background(), map[string]any{"patient_id": "PT_9999"})
	if res.Success {
		t.Errorf("unknown patient should fail the step, got %+v", res)
	}
}

func TestAppendRecord(t *testing.T) {
	rec, _ := newFixtures(t)
	op := &AppendRecord{Records: rec}
	patientID := rec.ListPatientIDs()[0]
	clinician := activeClinician(t, rec)

	res, err := op.Execute(context.Background(), map[string]any{
		"patient_id":   patientID,
		"clinician_id": clinician,
		"note":         "responding well to treatment",
		"note_type":    records.NoteTypeDiagnosis,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || res.Data["note_type"] != records.NoteTypeDiagnosis {
		t.Errorf("result = %+v", res)
	}

	res, _ = op.Execute(context.Background(), map[string]any{
		"patient_id":   patientID,
		"clinician_id": clinician,
		"note":         "x",
		"note_type":    "gossip",
	})
	if res.Success {
		t.Errorf("invalid note type should fail the step, got %+v", res)
	}
}

func TestAuditLog(t *testing.T) {
	rec, store := newFixtures(t)
	op := &AuditLog{Store: store}
	clinician := activeClinician(t, rec)

	res, err := op.Execute(context.Background(), map[string]any{
		"clinician_id": clinician,
		"patient_id":   "PT_0001",
		"action":       "fetch_record",
		"success":      true,
		TokenIDParam:   "HIPAA_ABC123_20260831120000",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	history, err := store.AuditHistory(storage.AuditFilter{PatientID: "PT_0001"})
	if err != nil {
		t.Fatalf("AuditHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].TraceToken != "HIPAA_ABC123_20260831120000" {
		t.Errorf("history = %+v", history)
	}

	res, _ = op.Execute(context.Background(), map[string]any{"clinician_id": clinician})
	if res.Success {
		t.Errorf("incomplete audit params should fail the step, got %+v", res)
	}
}

func TestGenerateReport(t *testing.T) {
	rec, _ := newFixtures(t)
	reportDir := t.TempDir()
	op := &GenerateReport{Records: rec, ReportDir: reportDir}
	patientID := rec.ListPatientIDs()[0]

	res, err := op.Execute(context.Background(), map[string]any{
		"patient_id":   patientID,
		"clinician_id": activeClinician(t, rec),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	path, _ := res.Data["report_path"].(string)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if !strings.Contains(string(content), "PATIENT RECORD REPORT") {
		t.Error("report missing header")
	}
	if !strings.Contains(string(content), patientID) {
		t.Error("report missing patient id")
	}
}

func TestSummarizeRecord(t *testing.T) {
	rec, _ := newFixtures(t)
	op := &SummarizeRecord{Records: rec}
	patientID := rec.ListPatientIDs()[0]

	for _, summaryType := range []string{SummaryOverview, SummaryVitals, SummaryMedications, SummaryFull} {
		res, err := op.Execute(context.Background(), map[string]any{
			"patient_id":   patientID,
			"summary_type": summaryType,
		})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", summaryType, err)
		}
		if !res.Success {
			t.Fatalf("Execute(%s) result = %+v", summaryType, res)
		}
		summary, _ := res.Data["summary"].(string)
		if summary == "" {
			t.Errorf("empty %s summary", summaryType)
		}
	}

	res, _ := op.Execute(context.Background(), map[string]any{
		"patient_id":   patientID,
		"summary_type": "tarot",
	})
	if res.Success {
		t.Errorf("unknown summary type should fail the step, got %+v", res)
	}
}

func TestRegisterAll(t *testing.T) {
	rec, store := newFixtures(t)
	reg := tool.NewRegistry()
	RegisterAll(reg, rec, store, t.TempDir())

	if reg.Count() != 7 {
		t.Errorf("Count() = %d, want 7", reg.Count())
	}
	for _, name := range []string{
		"verify_credentials",
		"check_patient_consent_status",
		"fetch_record",
		"append_record",
		"log_access_to_audit_trail",
		"generate_report",
		"summarize_record",
	} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("operation %s not registered", name)
		}
	}
}
