package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// GenerateReport renders a patient record to a text report file under
// ReportDir.
type GenerateReport struct {
	Records   *records.Store
	ReportDir string
}

func (g *GenerateReport) Name() string { return "generate_report" }

func (g *GenerateReport) Description() string {
	return "Generate a text report of a patient record"
}

func (g *GenerateReport) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"patient_id":   {Type: "string", Description: "Patient ID in PT_XXXX format"},
			"clinician_id": {Type: "string", Description: "Requesting clinician ID"},
			"filename":     {Type: "string", Description: "Override for the output filename"},
		},
		Required: []string{"patient_id", "clinician_id"},
	}
}

func (g *GenerateReport) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	patientID := stringParam(params, "patient_id")
	clinicianID := stringParam(params, "clinician_id")

	if err := records.ValidatePatientID(patientID); err != nil {
		return failure("Invalid patient ID format. Expected format: PT_XXXX"), nil
	}
	if err := records.ValidateClinicianID(clinicianID); err != nil {
		return failure("Invalid clinician ID format. Expected format: DR_XXXX"), nil
	}

	p, err := g.Records.GetPatient(patientID)
	if err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return failure("Patient %s not found in database", patientID), nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	filename := stringParam(params, "filename")
	if filename == "" {
		filename = fmt.Sprintf("report_%s_%s.txt", p.ID, now.Format("20060102150405"))
	}

	if err := os.MkdirAll(g.ReportDir, 0o700); err != nil {
		return failure("failed to prepare report directory: %v", err), nil
	}
	path := filepath.Join(g.ReportDir, filename)

	var b strings.Builder
	divider := strings.Repeat("=", 72)
	fmt.Fprintf(&b, "%s\nPATIENT RECORD REPORT\n%s\n\n", divider, divider)
	fmt.Fprintf(&b, "Generated:  %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Requested:  %s\n\n", clinicianID)
	fmt.Fprintf(&b, "Patient:    %s (%s)\n", p.Name, p.ID)
	writeOverview(&b, p)
	b.WriteString("\n")
	writeVitals(&b, p)
	b.WriteString("\n")
	writeMedications(&b, p)
	b.WriteString("\n")
	writeNotes(&b, p, len(p.Notes))

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return failure("failed to write report: %v", err), nil
	}

	return &tool.Result{
		Success: true,
		Data: map[string]any{
			"patient_id":  p.ID,
			"report_path": path,
			"generated":   now.Format(time.RFC3339),
		},
	}, nil
}
