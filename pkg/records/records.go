package records

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

// Note types accepted by AppendNote.
const (
	NoteTypeGeneral      = "general"
	NoteTypeDiagnosis    = "diagnosis"
	NoteTypePrescription = "prescription"
	NoteTypeLabResults   = "lab_results"
)

// Consent status values.
const (
	ConsentActive  = "active"
	ConsentRevoked = "revoked"
	ConsentExpired = "expired"
)

// Vitals is the most recent set of recorded measurements.
type Vitals struct {
	HeartRate     int     `json:"heart_rate"`
	BloodPressure string  `json:"blood_pressure"`
	Temperature   float64 `json:"temperature"`
	RespRate      int     `json:"resp_rate"`
	RecordedAt    string  `json:"recorded_at"`
}

// Medication is one active prescription.
type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose"`
	Frequency string `json:"frequency"`
}

// Note is a timestamped clinical note.
type Note struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
}

// Patient is one patient record.
type Patient struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	DOB         string       `json:"dob"`
	BloodType   string       `json:"blood_type"`
	Allergies   []string     `json:"allergies"`
	Conditions  []string     `json:"conditions"`
	Medications []Medication `json:"medications"`
	Vitals      Vitals       `json:"vitals"`
	Notes       []Note       `json:"notes"`
}

// Clinician is one credentialed clinician record.
type Clinician struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Active     bool   `json:"active"`
}

// Consent is the authorization state for a patient's records.
type Consent struct {
	PatientID string   `json:"patient_id"`
	Status    string   `json:"status"`
	Scope     []string `json:"scope"`
	GrantedAt string   `json:"granted_at"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

// ConsentDecision is the result of a consent check.
type ConsentDecision struct {
	Granted        bool   `json:"granted"`
	Status         string `json:"status"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Store holds the JSON-file-backed domain records.
type Store struct {
	dataDir    string
	mu         sync.RWMutex
	patients   map[string]*Patient
	clinicians map[string]*Clinician
	consents   map[string]*Consent
}

const (
	patientsFile   = "patients.json"
	cliniciansFile = "clinicians.json"
	consentsFile   = "consents.json"
)

// NewStore loads records from dataDir, creating it if needed. Missing files
// start the corresponding collection empty.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "create data directory")
	}

	s := &Store{
		dataDir:    dataDir,
		patients:   map[string]*Patient{},
		clinicians: map[string]*Clinician{},
		consents:   map[string]*Consent{},
	}

	if err := loadJSON(filepath.Join(dataDir, patientsFile), &s.patients); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dataDir, cliniciansFile), &s.clinicians); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dataDir, consentsFile), &s.consents); err != nil {
		return nil, err
	}

	return s, nil
}

func loadJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "read records file").
			WithContext("path", path)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageCorrupt, "parse records file").
			WithContext("path", path)
	}
	return nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "encode records file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "write records file").
			WithContext("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "replace records file").
			WithContext("path", path)
	}
	return nil
}

// GetPatient returns a patient record by id.
func (s *Store) GetPatient(id string) (*Patient, error) {
	if err := ValidatePatientID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[id]
	if !ok {
		return nil, mgerrors.New(mgerrors.ErrCodeNotFound, "patient not found").
			WithContext("patient_id", id)
	}
	clone := *p
	return &clone, nil
}

// GetClinician returns a clinician record by id.
func (s *Store) GetClinician(id string) (*Clinician, error) {
	if err := ValidateClinicianID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clinicians[id]
	if !ok {
		return nil, mgerrors.New(mgerrors.ErrCodeNotFound, "clinician not found").
			WithContext("clinician_id", id)
	}
	clone := *c
	return &clone, nil
}

// VerifyCredentials reports whether the clinician exists and is active.
func (s *Store) VerifyCredentials(clinicianID string) (bool, string, error) {
	c, err := s.GetClinician(clinicianID)
	if err != nil {
		return false, "", err
	}
	if !c.Active {
		return false, "clinician credentials are inactive", nil
	}
	return true, fmt.Sprintf("%s (%s, %s)", c.Name, c.Role, c.Department), nil
}

// CheckConsent evaluates the consent record for a patient. Consent is granted
// only when a record exists, its status is active, and it is unexpired.
func (s *Store) CheckConsent(patientID string) (ConsentDecision, error) {
	if err := ValidatePatientID(patientID); err != nil {
		return ConsentDecision{}, err
	}

	s.mu.RLock()
	consent, ok := s.consents[patientID]
	s.mu.RUnlock()

	if !ok {
		return ConsentDecision{
			Granted:        false,
			Status:         "missing",
			Recommendation: "Obtain signed consent before accessing this record",
		}, nil
	}

	if consent.Status != ConsentActive {
		return ConsentDecision{
			Granted:        false,
			Status:         consent.Status,
			Recommendation: "Consent is " + consent.Status + "; renew authorization before proceeding",
		}, nil
	}

	if consent.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, consent.ExpiresAt)
		if err == nil && !expires.After(time.Now().UTC()) {
			return ConsentDecision{
				Granted:        false,
				Status:         ConsentExpired,
				Recommendation: "Consent expired on " + consent.ExpiresAt + "; renew authorization before proceeding",
			}, nil
		}
	}

	return ConsentDecision{Granted: true, Status: ConsentActive}, nil
}

// AppendNote adds a typed clinical note to the patient record and persists it.
func (s *Store) AppendNote(patientID, noteType, author, text string) (*Note, error) {
	if err := ValidatePatientID(patientID); err != nil {
		return nil, err
	}
	switch noteType {
	case NoteTypeGeneral, NoteTypeDiagnosis, NoteTypePrescription, NoteTypeLabResults:
	case "":
		noteType = NoteTypeGeneral
	default:
		return nil, mgerrors.New(mgerrors.ErrCodeInvalidInput, "unknown note type").
			WithContext("note_type", noteType)
	}
	if strings.TrimSpace(text) == "" {
		return nil, mgerrors.New(mgerrors.ErrCodeInvalidInput, "note text cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[patientID]
	if !ok {
		return nil, mgerrors.New(mgerrors.ErrCodeNotFound, "patient not found").
			WithContext("patient_id", patientID)
	}

	note := Note{
		Timestamp: time.Now().UTC(),
		Type:      noteType,
		Author:    author,
		Text:      text,
	}
	p.Notes = append(p.Notes, note)

	if err := writeJSON(filepath.Join(s.dataDir, patientsFile), s.patients); err != nil {
		return nil, err
	}
	return &note, nil
}

// ListPatientIDs returns all patient ids in sorted order.
func (s *Store) ListPatientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.patients))
	for id := range s.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListClinicianIDs returns all clinician ids in sorted order.
func (s *Store) ListClinicianIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.clinicians))
	for id := range s.clinicians {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save persists all collections to their JSON files.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := writeJSON(filepath.Join(s.dataDir, patientsFile), s.patients); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(s.dataDir, cliniciansFile), s.clinicians); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.dataDir, consentsFile), s.consents)
}

// putPatient, putClinician, and putConsent are used by mock data generation.
func (s *Store) putPatient(p *Patient) {
	s.mu.Lock()
	s.patients[p.ID] = p
	s.mu.Unlock()
}

func (s *Store) putClinician(c *Clinician) {
	s.mu.Lock()
	s.clinicians[c.ID] = c
	s.mu.Unlock()
}

func (s *Store) putConsent(c *Consent) {
	s.mu.Lock()
	s.consents[c.PatientID] = c
	s.mu.Unlock()
}
