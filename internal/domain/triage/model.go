package triage

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the coarse triage classification of a case.
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
	RiskEmergency RiskLevel = "emergency"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskEmergency:
		return true
	}
	return false
}

// Case is an anonymized triage submission. It is immutable once stored.
type Case struct {
	ID                uuid.UUID `db:"id" json:"id"`
	PatientToken      string    `db:"patient_token" json:"patient_token"`
	TriageSessionID   *string   `db:"triage_session_id" json:"triage_session_id,omitempty"`
	RiskLevel         RiskLevel `db:"risk_level" json:"risk_level"`
	PrimarySymptom    string    `db:"primary_symptom" json:"primary_symptom"`
	SecondarySymptoms []string  `db:"secondary_symptoms" json:"secondary_symptoms"`
	HasRedFlags       bool      `db:"has_red_flags" json:"has_red_flags"`
	ChronicConditions []string  `db:"chronic_conditions" json:"chronic_conditions"`
	District          string    `db:"district" json:"district"`
	Lat               *float64  `db:"lat" json:"lat,omitempty"`
	Lng               *float64  `db:"lng" json:"lng,omitempty"`
	ReceivedAt        time.Time `db:"received_at" json:"received_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// IsEmergency reports whether the case needs an emergency-capable facility:
// risk high or emergency, or any red flag.
func (c *Case) IsEmergency() bool {
	return c.HasRedFlags || c.RiskLevel == RiskHigh || c.RiskLevel == RiskEmergency
}

// HasCoordinates reports whether both coordinates are known.
func (c *Case) HasCoordinates() bool {
	return c.Lat != nil && c.Lng != nil
}

// Symptoms returns the primary symptom followed by the secondary ones.
func (c *Case) Symptoms() []string {
	out := make([]string, 0, 1+len(c.SecondarySymptoms))
	out = append(out, c.PrimarySymptom)
	return append(out, c.SecondarySymptoms...)
}
