package builtin

import (
	"context"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// AppendRecord adds a typed clinical note to a patient record.
type AppendRecord struct {
	Records *records.Store
}

func (a *AppendRecord) Name() string { return "append_record" }

func (a *AppendRecord) Description() string {
	return "Append a clinical note to a patient record"
}

func (a *AppendRecord) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"patient_id":   {Type: "string", Description: "Patient ID in PT_XXXX format"},
			"clinician_id": {Type: "string", Description: "Clinician ID in DR_XXXX format"},
			"note":         {Type: "string", Description: "Note content"},
			"note_type": {
				Type:        "string",
				Description: "Kind of note",
				Default:     records.NoteTypeGeneral,
				Enum: []string{
					records.NoteTypeGeneral,
					records.NoteTypeDiagnosis,
					records.NoteTypePrescription,
					records.NoteTypeLabResults,
				},
			},
		},
		Required: []string{"patient_id", "clinician_id", "note"},
	}
}

func (a *AppendRecord) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	patientID := stringParam(params, "patient_id")
	clinicianID := stringParam(params, "clinician_id")
	noteText := stringParam(params, "note")
	noteType := stringParam(params, "note_type")

	if err := records.ValidatePatientID(patientID); err != nil {
		return failure("Invalid patient ID format. Expected format: PT_XXXX"), nil
	}
	if err := records.ValidateClinicianID(clinicianID); err != nil {
		return failure("Invalid clinician ID format. Expected format: DR_XXXX"), nil
	}

	note, err := a.Records.AppendNote(patientID, noteType, clinicianID, noteText)
	if err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return failure("Patient %s not found in database", patientID), nil
		}
		if mgerrors.IsCode(err, mgerrors.ErrCodeInvalidInput) {
			return failure("%s", err.Error()), nil
		}
		return nil, err
	}

	return &tool.Result{
		Success: true,
		Data: map[string]any{
			"patient_id": patientID,
			"note_type":  note.Type,
			"author":     note.Author,
			"appended":   note.Timestamp.Format(time.RFC3339),
		},
	}, nil
}
