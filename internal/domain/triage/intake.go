package triage

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied during intake normalization.
const (
	DefaultRiskLevel      = RiskMedium
	DefaultPrimarySymptom = "unspecified"
	DefaultDistrict       = "unknown"
	anonTokenPrefix       = "anon-"
)

// Intake is the raw record received from the upstream triage collaborator.
// Every field is optional; Normalize fills documented defaults.
type Intake struct {
	PatientToken      string   `json:"patient_token"`
	TriageSessionID   string   `json:"triage_session_id"`
	RiskLevel         string   `json:"risk_level"`
	PrimarySymptom    string   `json:"primary_symptom"`
	SecondarySymptoms []string `json:"secondary_symptoms"`
	HasRedFlags       bool     `json:"has_red_flags"`
	ChronicConditions []string `json:"chronic_conditions"`
	District          string   `json:"district"`
	Lat               *float64 `json:"lat"`
	Lng               *float64 `json:"lng"`
}

// NormalizeKeyword lower-cases s, trims it and joins words with underscores.
func NormalizeKeyword(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	}), "_")
	return s
}

// Normalize turns an Intake into a Case. It never fails: defects are replaced
// by defaults and each replacement is described in the returned list.
func Normalize(in Intake, now time.Time) (*Case, []string) {
	var applied []string

	c := &Case{
		ID:          uuid.New(),
		HasRedFlags: in.HasRedFlags,
		ReceivedAt:  now.UTC(),
	}

	c.PatientToken = strings.TrimSpace(in.PatientToken)
	if c.PatientToken == "" {
		c.PatientToken = anonTokenPrefix + uuid.NewString()
		applied = append(applied, "patient_token missing: generated anonymous token")
	}

	if s := strings.TrimSpace(in.TriageSessionID); s != "" {
		c.TriageSessionID = &s
	}

	risk := RiskLevel(strings.ToLower(strings.TrimSpace(in.RiskLevel)))
	if !risk.Valid() {
		if in.RiskLevel == "" {
			applied = append(applied, "risk_level missing: defaulted to "+string(DefaultRiskLevel))
		} else {
			applied = append(applied, "risk_level "+in.RiskLevel+" unknown: defaulted to "+string(DefaultRiskLevel))
		}
		risk = DefaultRiskLevel
	}
	c.RiskLevel = risk

	c.PrimarySymptom = NormalizeKeyword(in.PrimarySymptom)
	if c.PrimarySymptom == "" {
		c.PrimarySymptom = DefaultPrimarySymptom
		applied = append(applied, "primary_symptom missing: defaulted to "+DefaultPrimarySymptom)
	}
	c.SecondarySymptoms = normalizeSet(in.SecondarySymptoms, c.PrimarySymptom)
	c.ChronicConditions = normalizeSet(in.ChronicConditions, "")

	c.District = strings.TrimSpace(in.District)
	if c.District == "" {
		c.District = DefaultDistrict
		applied = append(applied, "district missing: defaulted to "+DefaultDistrict)
	}

	switch {
	case in.Lat == nil && in.Lng == nil:
	case in.Lat == nil || in.Lng == nil:
		applied = append(applied, "coordinates incomplete: dropped")
	case !validCoordinate(*in.Lat, 90) || !validCoordinate(*in.Lng, 180):
		applied = append(applied, "coordinates out of range: dropped")
	default:
		lat, lng := *in.Lat, *in.Lng
		c.Lat, c.Lng = &lat, &lng
	}

	return c, applied
}

func validCoordinate(v, bound float64) bool {
	return !math.IsNaN(v) && v >= -bound && v <= bound
}

// normalizeSet normalizes, de-duplicates and drops empty values and skip,
// preserving first-seen order.
func normalizeSet(values []string, skip string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		k := NormalizeKeyword(v)
		if k == "" || k == skip {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
