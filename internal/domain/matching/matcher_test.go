package matching

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/triage"
)

// Kampala city centre.
var caseLat, caseLng = 0.3476, 32.5825

// offsetKm returns a latitude roughly d km north of the case.
func offsetKm(d float64) *float64 {
	v := caseLat + d/111.195
	return &v
}

func fac(id string, distKm float64, available, total int, opts ...func(*facility.Facility)) *facility.Facility {
	lng := caseLng
	f := &facility.Facility{
		ID:               uuid.MustParse(id),
		Name:             id[:4],
		FacilityType:     facility.TypeHospital,
		Lat:              offsetKm(distKm),
		Lng:              &lng,
		TotalBeds:        total,
		AvailableBeds:    available,
		Services:         []string{"emergency", "general_medicine"},
		EmergencyCapable: true,
		Active:           true,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func emergencyCase() *triage.Case {
	lat, lng := caseLat, caseLng
	return &triage.Case{
		RiskLevel:      triage.RiskHigh,
		HasRedFlags:    true,
		PrimarySymptom: "chest_pain",
		Lat:            &lat,
		Lng:            &lng,
	}
}

const (
	idA = "00000000-0000-0000-0000-00000000000a"
	idB = "00000000-0000-0000-0000-00000000000b"
	idC = "00000000-0000-0000-0000-00000000000c"
	idD = "00000000-0000-0000-0000-00000000000d"
)

func TestMatch_IdealFacility(t *testing.T) {
	m := NewMatcher(nil)
	res := m.Match(emergencyCase(), []*facility.Facility{fac(idA, 2, 45, 50)})

	if len(res.Ranked) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Ranked))
	}
	c := res.Ranked[0]
	if c.Rank != 1 {
		t.Errorf("expected rank 1, got %d", c.Rank)
	}
	if math.Abs(c.Composite-0.975) > 1e-9 {
		t.Errorf("expected composite 0.975, got %v", c.Composite)
	}
	if len(c.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", c.Warnings)
	}
	if res.ServiceMapVersion == "" || len(res.RequiredServices) != 2 {
		t.Errorf("unexpected result metadata %+v", res)
	}
}

func TestMatch_HardExclusions(t *testing.T) {
	lat, lng := caseLat, caseLng
	headache := &triage.Case{RiskLevel: triage.RiskLow, PrimarySymptom: "headache", Lat: &lat, Lng: &lng}
	facilities := []*facility.Facility{
		fac(idB, 60, 0, 50),
		fac(idA, 1, 10, 10, func(f *facility.Facility) { f.Active = false }),
	}

	res := NewMatcher(nil).Match(headache, facilities)
	if len(res.Ranked) != 0 {
		t.Fatalf("expected no ranked candidates, got %d", len(res.Ranked))
	}
	if len(res.Excluded) != 2 {
		t.Fatalf("expected 2 exclusions, got %d", len(res.Excluded))
	}
	if res.Excluded[0].ExclusionReason != facility.ExclusionInactive || res.Excluded[1].ExclusionReason != facility.ExclusionNoBeds {
		t.Errorf("unexpected exclusion reasons %q %q", res.Excluded[0].ExclusionReason, res.Excluded[1].ExclusionReason)
	}
	if res.Excluded[1].Composite != 0 || res.Excluded[1].Rank != 0 {
		t.Error("excluded candidates must not be scored or ranked")
	}
}

func TestMatch_Ordering(t *testing.T) {
	facilities := []*facility.Facility{
		fac(idD, 3, 10, 10),
		fac(idC, 3, 10, 10),
		fac(idB, 1, 10, 10, func(f *facility.Facility) { f.Lat = nil }),
		fac(idA, 30, 10, 10),
	}
	// idB has unknown distance (0.2), idA is 30km (0.4); both lower than 3km (1.0).
	res := NewMatcher(nil).Match(emergencyCase(), facilities)

	want := []string{idC, idD, idA, idB}
	for i, id := range want {
		if res.Ranked[i].FacilityID.String() != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, res.Ranked[i].FacilityID)
		}
		if res.Ranked[i].Rank != i+1 {
			t.Errorf("position %d has rank %d", i, res.Ranked[i].Rank)
		}
	}
}

func TestMatch_TieBreakUnknownDistanceLast(t *testing.T) {
	noCoords := func(f *facility.Facility) { f.Lat, f.Lng = nil, nil }
	c := emergencyCase()
	c.Lat, c.Lng = nil, nil
	res := NewMatcher(nil).Match(c, []*facility.Facility{
		fac(idB, 1, 10, 10, noCoords),
		fac(idA, 1, 10, 10, noCoords),
	})
	if res.Ranked[0].FacilityID.String() != idA {
		t.Errorf("equal scores and unknown distance should order by id, got %s first", res.Ranked[0].FacilityID)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	facilities := []*facility.Facility{
		fac(idA, 8, 3, 10), fac(idB, 8, 3, 10), fac(idC, 12, 9, 10), fac(idD, 2, 1, 10),
	}
	first := NewMatcher(nil).Match(emergencyCase(), facilities)
	reversed := []*facility.Facility{facilities[3], facilities[2], facilities[1], facilities[0]}
	second := NewMatcher(nil).Match(emergencyCase(), reversed)
	for i := range first.Ranked {
		if first.Ranked[i].FacilityID != second.Ranked[i].FacilityID {
			t.Fatalf("ordering depends on input order at %d", i)
		}
	}
	for i := 1; i < len(first.Ranked); i++ {
		if first.Ranked[i-1].Composite < first.Ranked[i].Composite {
			t.Fatalf("candidates misordered at %d", i)
		}
	}
}

func TestMatch_Warnings(t *testing.T) {
	wait := 180
	res := NewMatcher(nil).Match(emergencyCase(), []*facility.Facility{
		fac(idA, 70, 5, 10, func(f *facility.Facility) {
			f.EmergencyCapable = false
			f.AvgWaitMinutes = &wait
		}),
	})
	c := res.Ranked[0]
	if c.Scores.Emergency != 0 {
		t.Errorf("expected emergency score 0, got %v", c.Scores.Emergency)
	}
	want := []string{WarningNotEmergencyCapable, WarningFarDistance, WarningLongWait}
	if len(c.Warnings) != len(want) {
		t.Fatalf("expected warnings %v, got %v", want, c.Warnings)
	}
	for i, w := range want {
		if c.Warnings[i] != w {
			t.Errorf("warning %d: expected %s, got %s", i, w, c.Warnings[i])
		}
	}
}

func TestMatch_Cap(t *testing.T) {
	var facilities []*facility.Facility
	for i := 0; i < 15; i++ {
		facilities = append(facilities, fac(uuid.New().String(), float64(i), 5, 10))
	}
	res := NewMatcher(nil).Match(emergencyCase(), facilities)
	if len(res.Ranked) != DefaultMaxCandidates || res.Truncated != 5 {
		t.Errorf("expected %d ranked and 5 truncated, got %d and %d", DefaultMaxCandidates, len(res.Ranked), res.Truncated)
	}

	res = NewMatcher(nil, WithMaxCandidates(0)).Match(emergencyCase(), facilities)
	if len(res.Ranked) != 15 {
		t.Errorf("expected uncapped list of 15, got %d", len(res.Ranked))
	}
}

func TestMatch_NoFacilities(t *testing.T) {
	res := NewMatcher(nil).Match(emergencyCase(), nil)
	if res.Ranked == nil || len(res.Ranked) != 0 {
		t.Errorf("expected empty non-nil ranked list, got %v", res.Ranked)
	}
}
