// Package priority turns a case into an urgency score and a booking mode, and
// picks which ranked candidate to offer next.
package priority

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/harakacare/facility-router/internal/domain/matching"
	"github.com/harakacare/facility-router/internal/domain/triage"
)

// BookingMode says whether a selection needs facility confirmation.
type BookingMode string

const (
	BookingAutomatic BookingMode = "automatic"
	BookingManual    BookingMode = "manual"
)

// RedFlagBonus is added to the base score whenever a red flag is present.
const RedFlagBonus = 200

var baseScores = map[triage.RiskLevel]int{
	triage.RiskLow:       10,
	triage.RiskMedium:    50,
	triage.RiskHigh:      100,
	triage.RiskEmergency: 300,
}

// Score returns the urgency of c. Unknown risk levels score as medium.
func Score(c *triage.Case) int {
	base, ok := baseScores[c.RiskLevel]
	if !ok {
		base = baseScores[triage.DefaultRiskLevel]
	}
	if c.HasRedFlags {
		base += RedFlagBonus
	}
	return base
}

// Mode is automatic for high or emergency risk or any red flag, manual
// otherwise. It does not depend on facility availability.
func Mode(c *triage.Case) BookingMode {
	if c.IsEmergency() {
		return BookingAutomatic
	}
	return BookingManual
}

// SelectNext returns the best-ranked candidate not in rejected, or nil when
// every candidate has been rejected.
func SelectNext(ranked []*matching.Candidate, rejected map[uuid.UUID]bool) *matching.Candidate {
	for _, c := range ranked {
		if c.Excluded || rejected[c.FacilityID] {
			continue
		}
		return c
	}
	return nil
}

// ActionManualReview is the recommendation when nothing can be offered.
const ActionManualReview = "escalate_to_manual_review"

// Recommendation summarizes a selection for operators.
type Recommendation struct {
	Action       string                `json:"action,omitempty"`
	BookingMode  BookingMode           `json:"booking_mode"`
	Priority     int                   `json:"priority_score"`
	Selected     *matching.Candidate   `json:"selected,omitempty"`
	Alternatives []*matching.Candidate `json:"alternatives,omitempty"`
	Reason       string                `json:"reason"`
}

const maxAlternatives = 2

// Recommend describes the next selection for c and up to two alternatives.
func Recommend(c *triage.Case, ranked []*matching.Candidate, rejected map[uuid.UUID]bool) *Recommendation {
	rec := &Recommendation{BookingMode: Mode(c), Priority: Score(c)}

	var open []*matching.Candidate
	for _, cand := range ranked {
		if !cand.Excluded && !rejected[cand.FacilityID] {
			open = append(open, cand)
		}
	}
	if len(open) == 0 {
		rec.Action = ActionManualReview
		rec.Reason = "No suitable facilities found"
		return rec
	}

	rec.Selected = open[0]
	if n := len(open) - 1; n > 0 {
		if n > maxAlternatives {
			n = maxAlternatives
		}
		rec.Alternatives = open[1 : 1+n]
	}
	rec.Reason = reason(c, rec.Selected, rec.BookingMode)
	return rec
}

func reason(c *triage.Case, cand *matching.Candidate, mode BookingMode) string {
	parts := []string{fmt.Sprintf("Score: %.2f", cand.Composite)}

	switch {
	case c.RiskLevel == triage.RiskEmergency || c.HasRedFlags:
		parts = append(parts, "Emergency case requiring immediate attention")
	case c.RiskLevel == triage.RiskHigh:
		parts = append(parts, "High-risk case requiring prompt care")
	case c.RiskLevel == triage.RiskMedium:
		parts = append(parts, "Medium-risk case requiring timely evaluation")
	default:
		parts = append(parts, "Low-risk case suitable for routine care")
	}

	if cand.EmergencyCapable {
		parts = append(parts, "Facility equipped for emergency care")
	}
	if cand.AvailableBeds > 0 {
		parts = append(parts, fmt.Sprintf("Facility has available capacity (%d beds)", cand.AvailableBeds))
	}
	if cand.DistanceKm != nil && *cand.DistanceKm <= 10 {
		parts = append(parts, fmt.Sprintf("Close to patient location (%.1f km)", *cand.DistanceKm))
	}
	if mode == BookingAutomatic {
		parts = append(parts, "Automatic booking due to clinical urgency")
	} else {
		parts = append(parts, "Manual confirmation required")
	}
	return strings.Join(parts, " | ")
}
