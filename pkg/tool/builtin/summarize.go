package builtin

import (
	"context"
	"fmt"
	"strings"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

const (
	SummaryOverview    = "overview"
	SummaryVitals      = "vitals"
	SummaryMedications = "medications"
	SummaryFull        = "full"
)

// SummarizeRecord produces a textual projection of a patient record.
type SummarizeRecord struct {
	Records *records.Store
}

func (s *SummarizeRecord) Name() string { return "summarize_record" }

func (s *SummarizeRecord) Description() string {
	return "Summarize a patient record for clinical review"
}

func (s *SummarizeRecord) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"patient_id": {Type: "string", Description: "Patient ID in PT_XXXX format"},
			"summary_type": {
				Type:        "string",
				Description: "Projection to produce",
				Default:     SummaryOverview,
				Enum:        []string{SummaryOverview, SummaryVitals, SummaryMedications, SummaryFull},
			},
		},
		Required: []string{"patient_id"},
	}
}

func (s *SummarizeRecord) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	patientID := stringParam(params, "patient_id")
	if err := records.ValidatePatientID(patientID); err != nil {
		return failure("Invalid patient ID format. Expected format: PT_XXXX"), nil
	}

	summaryType := stringParam(params, "summary_type")
	if summaryType == "" {
		summaryType = SummaryOverview
	}
	switch summaryType {
	case SummaryOverview, SummaryVitals, SummaryMedications, SummaryFull:
	default:
		return failure("Unknown summary_type %q", summaryType), nil
	}

	p, err := s.Records.GetPatient(patientID)
	if err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return failure("Patient %s not found in database", patientID), nil
		}
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Patient %s (%s)\n", p.Name, p.ID)

	switch summaryType {
	case SummaryVitals:
		writeVitals(&b, p)
	case SummaryMedications:
		writeMedications(&b, p)
	case SummaryFull:
		writeOverview(&b, p)
		writeVitals(&b, p)
		writeMedications(&b, p)
		writeNotes(&b, p, len(p.Notes))
	default:
		writeOverview(&b, p)
		writeNotes(&b, p, 3)
	}

	return &tool.Result{
		Success: true,
		Data: map[string]any{
			"patient_id":   p.ID,
			"summary_type": summaryType,
			"summary":      b.String(),
		},
	}, nil
}

func writeOverview(b *strings.Builder, p *records.Patient) {
	fmt.Fprintf(b, "DOB: %s  Blood type: %s\n", p.DOB, p.BloodType)
	if len(p.Allergies) > 0 {
		fmt.Fprintf(b, "Allergies: %s\n", strings.Join(p.Allergies, ", "))
	}
	if len(p.Conditions) > 0 {
		fmt.Fprintf(b, "Conditions: %s\n", strings.Join(p.Conditions, ", "))
	}
}

func writeVitals(b *strings.Builder, p *records.Patient) {
	v := p.Vitals
	fmt.Fprintf(b, "Vitals: BP %s, HR %d bpm, Temp %.1fC, RR %d (recorded %s)\n",
		v.BloodPressure, v.HeartRate, v.Temperature, v.RespRate, v.RecordedAt)
}

func writeMedications(b *strings.Builder, p *records.Patient) {
	if len(p.Medications) == 0 {
		b.WriteString("Medications: none recorded\n")
		return
	}
	b.WriteString("Medications:\n")
	for _, m := range p.Medications {
		fmt.Fprintf(b, "  - %s %s (%s)\n", m.Name, m.Dose, m.Frequency)
	}
}

func writeNotes(b *strings.Builder, p *records.Patient, max int) {
	if len(p.Notes) == 0 {
		return
	}
	notes := p.Notes
	if len(notes) > max {
		notes = notes[len(notes)-max:]
	}
	b.WriteString("Recent notes:\n")
	for _, n := range notes {
		fmt.Fprintf(b, "  [%s] %s: %s\n", n.Type, n.Author, n.Text)
	}
}
