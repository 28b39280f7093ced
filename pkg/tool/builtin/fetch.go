package builtin

import (
	"context"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// FetchRecord retrieves a patient record, optionally projected to a subset
// of fields.
type FetchRecord struct {
	Records *records.Store
}

func (f *FetchRecord) Name() string { return "fetch_record" }

func (f *FetchRecord) Description() string {
	return "Fetch a patient medical record, optionally restricted to named fields"
}

func (f *FetchRecord) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"patient_id": {Type: "string", Description: "Patient ID in PT_XXXX format"},
			"fields":     {Type: "array", Description: "Field names to include; omit for the full record"},
		},
		Required: []string{"patient_id"},
	}
}

func (f *FetchRecord) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	patientID := stringParam(params, "patient_id")
	if err := records.ValidatePatientID(patientID); err != nil {
		return failure("Invalid patient ID format. Expected format: PT_XXXX"), nil
	}

	p, err := f.Records.GetPatient(patientID)
	if err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return failure("Patient %s not found in database", patientID), nil
		}
		return nil, err
	}

	record := map[string]any{
		"patient_id":  p.ID,
		"name":        p.Name,
		"dob":         p.DOB,
		"blood_type":  p.BloodType,
		"allergies":   p.Allergies,
		"conditions":  p.Conditions,
		"medications": p.Medications,
		"vitals":      p.Vitals,
		"notes":       p.Notes,
	}

	if fields := stringSliceParam(params, "fields"); len(fields) > 0 {
		filtered := map[string]any{"patient_id": p.ID}
		for _, field := range fields {
			if v, ok := record[field]; ok {
				filtered[field] = v
			}
		}
		record = filtered
	}

	return &tool.Result{Success: true, Data: record}, nil
}
