package builtin

import (
	"context"
	"time"

	"github.com/oakmont-health/medgate/pkg/storage"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// TokenIDParam is the audit parameter the pipeline normalizes: a missing or
// placeholder value gets replaced with the current request's trace token.
const TokenIDParam = "token_id"

// AuditLog appends an access entry to the durable audit trail.
type AuditLog struct {
	Store *storage.Store
}

func (a *AuditLog) Name() string { return "log_access_to_audit_trail" }

func (a *AuditLog) Description() string {
	return "Record an access attempt in the append-only audit trail"
}

func (a *AuditLog) Parameters() tool.ParameterSchema {
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"clinician_id": {Type: "string", Description: "Clinician making the request"},
			"patient_id":   {Type: "string", Description: "Patient being accessed"},
			"action":       {Type: "string", Description: "Action performed"},
			"success":      {Type: "boolean", Description: "Whether the action succeeded"},
			TokenIDParam:   {Type: "string", Description: "Request trace token"},
		},
		Required: []string{"clinician_id", "patient_id", "action", "success"},
	}
}

func (a *AuditLog) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	clinicianID := stringParam(params, "clinician_id")
	patientID := stringParam(params, "patient_id")
	action := stringParam(params, "action")

	if clinicianID == "" || patientID == "" || action == "" {
		return failure("audit entry requires clinician_id, patient_id, and action"), nil
	}

	var details map[string]any
	if d, ok := params["details"].(map[string]any); ok {
		details = d
	}

	record := &storage.AuditRecord{
		Timestamp:   time.Now().UTC(),
		ClinicianID: clinicianID,
		PatientID:   patientID,
		Action:      action,
		Success:     boolParam(params, "success", false),
		TraceToken:  stringParam(params, TokenIDParam),
		Details:     details,
	}
	if err := a.Store.AppendAudit(record); err != nil {
		return failure("failed to write audit entry: %v", err), nil
	}

	return &tool.Result{
		Success: true,
		Data: map[string]any{
			"audit_id":  record.ID,
			"logged_at": record.Timestamp.Format(time.RFC3339),
		},
	}, nil
}
