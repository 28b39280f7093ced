package records

import (
	"regexp"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

var (
	patientIDPattern   = regexp.MustCompile(`^PT_\d{4}$`)
	clinicianIDPattern = regexp.MustCompile(`^DR_\d{4}$`)
)

// ValidatePatientID checks the PT_XXXX identifier format.
func ValidatePatientID(id string) error {
	if !patientIDPattern.MatchString(id) {
		return mgerrors.New(mgerrors.ErrCodeFormatInvalid, "invalid patient id format").
			WithContext("patient_id", id).
			WithUserMessage("Patient IDs look like PT_0001")
	}
	return nil
}

// ValidateClinicianID checks the DR_XXXX identifier format.
func ValidateClinicianID(id string) error {
	if !clinicianIDPattern.MatchString(id) {
		return mgerrors.New(mgerrors.ErrCodeFormatInvalid, "invalid clinician id format").
			WithContext("clinician_id", id).
			WithUserMessage("Clinician IDs look like DR_0001")
	}
	return nil
}
