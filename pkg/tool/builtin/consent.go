package builtin

import (
	"context"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// ConsentGrantedKey is the result field the pipeline inspects to stop early
// on a consent denial even though the lookup itself succeeded.
const ConsentGrantedKey = "consent_granted"

// CheckConsent looks up a patient's consent status for record access.
type CheckConsent struct {
	Records *records.Store
}

func (c *CheckConsent) Name() string { return "check_patient_consent_status" }

func (c *CheckConsent) Description() string {
	return "Check whether the patient has granted consent for record access"
}

func (c *CheckConsent) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"patient_id":   {Type: "string", Description: "Patient ID in PT_XXXX format"},
			"clinician_id": {Type: "string", Description: "Clinician ID in DR_XXXX format"},
		},
		Required: []string{"patient_id", "clinician_id"},
	}
}

func (c *CheckConsent) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	patientID := stringParam(params, "patient_id")
	clinicianID := stringParam(params, "clinician_id")

	if err := records.ValidatePatientID(patientID); err != nil {
		return failure("Invalid patient ID format. Expected format: PT_XXXX"), nil
	}
	if err := records.ValidateClinicianID(clinicianID); err != nil {
		return failure("Invalid clinician ID format. Expected format: DR_XXXX"), nil
	}

	if _, err := c.Records.GetPatient(patientID); err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return &tool.Result{
				Success: true,
				Data: map[string]any{
					ConsentGrantedKey: false,
					"patient_id":      patientID,
					"detail":          "patient not found in database",
				},
			}, nil
		}
		return nil, err
	}

	decision, err := c.Records.CheckConsent(patientID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		ConsentGrantedKey: decision.Granted,
		"consent_status":  decision.Status,
		"patient_id":      patientID,
		"clinician_id":    clinicianID,
	}
	if decision.Recommendation != "" {
		data["recommendation"] = decision.Recommendation
	}
	return &tool.Result{Success: true, Data: data}, nil
}
