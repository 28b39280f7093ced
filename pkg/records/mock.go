package records

import (
	"fmt"
	"math/rand"
	"time"
)

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Radia", "Ken", "Dennis", "Frances"}
	lastNames  = []string{"Okafor", "Lindberg", "Moreau", "Tanaka", "Alvarez", "Novak", "Bergström", "Kim", "Osei", "Petrov"}

	roles       = []string{"Attending Physician", "Resident", "Nurse Practitioner", "Physician Assistant"}
	departments = []string{"Cardiology", "Internal Medicine", "Oncology", "Pediatrics", "Emergency"}

	bloodTypes = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
	allergies  = []string{"penicillin", "latex", "peanuts", "sulfa", "aspirin"}
	conditions = []string{"hypertension", "type 2 diabetes", "asthma", "hyperlipidemia", "atrial fibrillation"}

	medications = []Medication{
		{Name: "lisinopril", Dose: "10mg", Frequency: "daily"},
		{Name: "metformin", Dose: "500mg", Frequency: "twice daily"},
		{Name: "albuterol", Dose: "90mcg", Frequency: "as needed"},
		{Name: "atorvastatin", Dose: "20mg", Frequency: "daily"},
		{Name: "warfarin", Dose: "5mg", Frequency: "daily"},
	}
)

// GenerateMockData populates the store with deterministic seed data and
// persists it. Roughly one in five patients gets a non-active consent so
// denial paths are exercisable.
func GenerateMockData(s *Store, numPatients, numClinicians int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()

	for i := 1; i <= numClinicians; i++ {
		id := fmt.Sprintf("DR_%04d", i)
		s.putClinician(&Clinician{
			ID:         id,
			Name:       pick(rng, firstNames) + " " + pick(rng, lastNames),
			Role:       pick(rng, roles),
			Department: pick(rng, departments),
			Active:     rng.Intn(10) != 0, // occasional inactive credential
		})
	}

	for i := 1; i <= numPatients; i++ {
		id := fmt.Sprintf("PT_%04d", i)
		dob := time.Date(1940+rng.Intn(70), time.Month(1+rng.Intn(12)), 1+rng.Intn(28), 0, 0, 0, 0, time.UTC)

		patient := &Patient{
			ID:        id,
			Name:      pick(rng, firstNames) + " " + pick(rng, lastNames),
			DOB:       dob.Format("2006-01-02"),
			BloodType: pick(rng, bloodTypes),
			Vitals: Vitals{
				HeartRate:     55 + rng.Intn(50),
				BloodPressure: fmt.Sprintf("%d/%d", 100+rng.Intn(50), 60+rng.Intn(30)),
				Temperature:   36.0 + rng.Float64()*2.0,
				RespRate:      12 + rng.Intn(8),
				RecordedAt:    now.Add(-time.Duration(rng.Intn(72)) * time.Hour).Format(time.RFC3339),
			},
		}
		for _, a := range allergies {
			if rng.Intn(4) == 0 {
				patient.Allergies = append(patient.Allergies, a)
			}
		}
		for _, c := range conditions {
			if rng.Intn(3) == 0 {
				patient.Conditions = append(patient.Conditions, c)
			}
		}
		for _, m := range medications {
			if rng.Intn(3) == 0 {
				patient.Medications = append(patient.Medications, m)
			}
		}
		s.putPatient(patient)

		consent := &Consent{
			PatientID: id,
			Status:    ConsentActive,
			Scope:     []string{"treatment", "records"},
			GrantedAt: now.Add(-time.Duration(rng.Intn(365*24)) * time.Hour).Format(time.RFC3339),
			ExpiresAt: now.Add(time.Duration(30+rng.Intn(335)) * 24 * time.Hour).Format(time.RFC3339),
		}
		switch rng.Intn(10) {
		case 0:
			consent.Status = ConsentRevoked
		case 1:
			consent.ExpiresAt = now.Add(-24 * time.Hour).Format(time.RFC3339)
		}
		s.putConsent(consent)
	}

	return s.Save()
}

func pick(rng *rand.Rand, options []string) string {
	return options[rng.Intn(len(options))]
}
