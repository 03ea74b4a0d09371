package matching

import (
	"math"

	"github.com/harakacare/facility-router/internal/domain/facility"
)

// Composite weights. They sum to 1.
const (
	WeightDistance  = 0.30
	WeightCapacity  = 0.25
	WeightService   = 0.25
	WeightType      = 0.10
	WeightEmergency = 0.10
)

const earthRadiusKm = 6371.0

var typeScores = map[facility.Type]float64{
	facility.TypeHospital:         1.0,
	facility.TypeUrgentCare:       0.9,
	facility.TypeHealthCenter:     0.8,
	facility.TypeSpecialtyCenter:  0.8,
	facility.TypeClinic:           0.7,
	facility.TypeDiagnosticCenter: 0.5,
	facility.TypePharmacy:         0.3,
	facility.TypeLaboratory:       0.3,
}

const lowestTypeScore = 0.3

// DistanceScore buckets a distance in km. A nil distance scores as the
// farthest bucket.
func DistanceScore(km *float64) float64 {
	if km == nil {
		return 0.2
	}
	switch d := *km; {
	case d <= 5:
		return 1.0
	case d <= 10:
		return 0.8
	case d <= 20:
		return 0.6
	case d <= 40:
		return 0.4
	default:
		return 0.2
	}
}

// CapacityScore is available/total clamped to [0,1], and 0 with no free beds.
func CapacityScore(available, total int) float64 {
	if available <= 0 || total <= 0 {
		return 0
	}
	return math.Min(float64(available)/float64(total), 1)
}

// ServiceScore is the fraction of required services that offered contains.
func ServiceScore(required, offered []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	have := make(map[string]struct{}, len(offered))
	for _, s := range offered {
		have[s] = struct{}{}
	}
	matched := 0
	for _, s := range required {
		if _, ok := have[s]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func TypeScore(t facility.Type) float64 {
	if s, ok := typeScores[t]; ok {
		return s
	}
	return lowestTypeScore
}

// EmergencyScore rates emergency readiness. A non-capable facility scores 0
// for an emergency case; any facility scores 0.5 for a routine case.
func EmergencyScore(capable, emergencyCase bool) float64 {
	switch {
	case !emergencyCase:
		return 0.5
	case capable:
		return 1.0
	default:
		return 0
	}
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
