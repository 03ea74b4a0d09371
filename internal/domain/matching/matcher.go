// Package matching scores facilities against a case and ranks them.
package matching

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/triage"
)

// DefaultMaxCandidates caps ranked candidates. Zero means unlimited.
const DefaultMaxCandidates = 10

// Warning thresholds.
const (
	farDistanceKm   = 50.0
	longWaitMinutes = 120
)

// Candidate warnings.
const (
	WarningNotEmergencyCapable = "not_emergency_capable"
	WarningFarDistance         = "far_distance"
	WarningLongWait            = "long_wait"
)

type SubScores struct {
	Distance  float64 `json:"distance"`
	Capacity  float64 `json:"capacity"`
	Service   float64 `json:"service"`
	Type      float64 `json:"type"`
	Emergency float64 `json:"emergency"`
}

// Candidate is one facility evaluated for one case. It is never modified
// after matching.
type Candidate struct {
	FacilityID       uuid.UUID     `json:"facility_id"`
	FacilityName     string        `json:"facility_name"`
	FacilityType     facility.Type `json:"facility_type"`
	DistanceKm       *float64      `json:"distance_km,omitempty"`
	AvailableBeds    int           `json:"available_beds"`
	EmergencyCapable bool          `json:"emergency_capable"`
	Scores           SubScores     `json:"scores"`
	Composite        float64       `json:"composite"`
	Rank             int           `json:"rank,omitempty"`
	Excluded         bool          `json:"excluded,omitempty"`
	ExclusionReason  string        `json:"exclusion_reason,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// Result is the output of one matching run.
type Result struct {
	RequiredServices  []string     `json:"required_services"`
	ServiceMapVersion string       `json:"service_map_version"`
	Ranked            []*Candidate `json:"ranked"`
	Excluded          []*Candidate `json:"excluded"`
	// Truncated counts ranked candidates dropped by the cap.
	Truncated int `json:"truncated,omitempty"`
}

type Matcher struct {
	services      *ServiceMap
	maxCandidates int
}

type Option func(*Matcher)

// WithMaxCandidates caps the ranked list. n <= 0 disables the cap.
func WithMaxCandidates(n int) Option {
	return func(m *Matcher) { m.maxCandidates = n }
}

func NewMatcher(services *ServiceMap, opts ...Option) *Matcher {
	if services == nil {
		services = DefaultServiceMap()
	}
	m := &Matcher{services: services, maxCandidates: DefaultMaxCandidates}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Matcher) ServiceMap() *ServiceMap { return m.services }

// Match evaluates every facility for c. Excluded facilities are reported with
// their reason but not scored. An empty ranked list is a valid result.
func (m *Matcher) Match(c *triage.Case, facilities []*facility.Facility) *Result {
	required := m.services.RequiredServices(c)
	res := &Result{
		RequiredServices:  required,
		ServiceMapVersion: m.services.Version,
		Ranked:            []*Candidate{},
		Excluded:          []*Candidate{},
	}

	for _, f := range facilities {
		cand := &Candidate{
			FacilityID:       f.ID,
			FacilityName:     f.Name,
			FacilityType:     f.FacilityType,
			AvailableBeds:    f.AvailableBeds,
			EmergencyCapable: f.EmergencyCapable,
			DistanceKm:       distance(c, f),
		}
		if reason := f.ExclusionReason(); reason != "" {
			cand.Excluded = true
			cand.ExclusionReason = reason
			res.Excluded = append(res.Excluded, cand)
			continue
		}
		score(cand, c, f, required)
		res.Ranked = append(res.Ranked, cand)
	}

	sort.SliceStable(res.Ranked, func(i, j int) bool { return less(res.Ranked[i], res.Ranked[j]) })
	sort.SliceStable(res.Excluded, func(i, j int) bool {
		return bytes.Compare(res.Excluded[i].FacilityID[:], res.Excluded[j].FacilityID[:]) < 0
	})

	if m.maxCandidates > 0 && len(res.Ranked) > m.maxCandidates {
		res.Truncated = len(res.Ranked) - m.maxCandidates
		res.Ranked = res.Ranked[:m.maxCandidates]
	}
	for i, cand := range res.Ranked {
		cand.Rank = i + 1
	}
	return res
}

func distance(c *triage.Case, f *facility.Facility) *float64 {
	if !c.HasCoordinates() || !f.HasCoordinates() {
		return nil
	}
	d := HaversineKm(*c.Lat, *c.Lng, *f.Lat, *f.Lng)
	return &d
}

func score(cand *Candidate, c *triage.Case, f *facility.Facility, required []string) {
	emergency := c.IsEmergency()
	cand.Scores = SubScores{
		Distance:  DistanceScore(cand.DistanceKm),
		Capacity:  CapacityScore(f.AvailableBeds, f.TotalBeds),
		Service:   ServiceScore(required, f.Services),
		Type:      TypeScore(f.FacilityType),
		Emergency: EmergencyScore(f.EmergencyCapable, emergency),
	}
	cand.Composite = Composite(cand.Scores)

	if emergency && !f.EmergencyCapable {
		cand.Warnings = append(cand.Warnings, WarningNotEmergencyCapable)
	}
	if cand.DistanceKm != nil && *cand.DistanceKm > farDistanceKm {
		cand.Warnings = append(cand.Warnings, WarningFarDistance)
	}
	if f.AvgWaitMinutes != nil && *f.AvgWaitMinutes > longWaitMinutes {
		cand.Warnings = append(cand.Warnings, WarningLongWait)
	}
}

// Composite is the weighted sum of the sub-scores.
func Composite(s SubScores) float64 {
	return WeightDistance*s.Distance +
		WeightCapacity*s.Capacity +
		WeightService*s.Service +
		WeightType*s.Type +
		WeightEmergency*s.Emergency
}

// less orders by composite descending, then known distance ascending with
// unknown last, then facility id.
func less(a, b *Candidate) bool {
	if a.Composite != b.Composite {
		return a.Composite > b.Composite
	}
	switch {
	case a.DistanceKm != nil && b.DistanceKm == nil:
		return true
	case a.DistanceKm == nil && b.DistanceKm != nil:
		return false
	case a.DistanceKm != nil && *a.DistanceKm != *b.DistanceKm:
		return *a.DistanceKm < *b.DistanceKm
	}
	return bytes.Compare(a.FacilityID[:], b.FacilityID[:]) < 0
}
