package builtin

import (
	"context"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// VerifyCredentials checks a clinician's authorization status. A known but
// inactive or missing clinician is a successful lookup with verified=false;
// only a malformed id is an operation failure.
type VerifyCredentials struct {
	Records *records.Store
}

func (v *VerifyCredentials) Name() string { return "verify_credentials" }

func (v *VerifyCredentials) Description() string {
	return "Verify a clinician's credentials and active status"
}

func (v *VerifyCredentials) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"clinician_id": {Type: "string", Description: "Clinician ID in DR_XXXX format"},
		},
		Required: []string{"clinician_id"},
	}
}

func (v *VerifyCredentials) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	clinicianID := stringParam(params, "clinician_id")
	if err := records.ValidateClinicianID(clinicianID); err != nil {
		return failure("Invalid clinician ID format. Expected format: DR_XXXX"), nil
	}

	verified, detail, err := v.Records.VerifyCredentials(clinicianID)
	if err != nil {
		if mgerrors.IsCode(err, mgerrors.ErrCodeNotFound) {
			return &tool.Result{
				Success: true,
				Data: map[string]any{
					"verified":     false,
					"clinician_id": clinicianID,
					"detail":       "clinician not found in database",
				},
			}, nil
		}
		return nil, err
	}

	data := map[string]any{
		"verified":     verified,
		"clinician_id": clinicianID,
		"detail":       detail,
	}
	if verified {
		if c, err := v.Records.GetClinician(clinicianID); err == nil {
			data["clinician_name"] = c.Name
			data["role"] = c.Role
			data["department"] = c.Department
		}
	}
	return &tool.Result{Success: true, Data: data}, nil
}
