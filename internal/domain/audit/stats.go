package audit

import "time"

// Routing statuses the aggregates look at.
const (
	statusReceived  = "received"
	statusConfirmed = "confirmed"
	statusUnmatched = "unmatched"
)

// Stats are read-only aggregates over a time range.
type Stats struct {
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	TotalRoutings      int            `json:"total_routings"`
	ByRiskLevel        map[string]int `json:"by_risk_level"`
	Confirmed          int            `json:"confirmed"`
	Unmatched          int            `json:"unmatched"`
	ConfirmationRate   *float64       `json:"confirmation_rate"`
	AvgResponseSeconds *float64       `json:"avg_response_seconds"`
	DeliveryFailures   int            `json:"delivery_failures"`
}

// ComputeStats derives Stats from entries. A routing counts once when it is
// received; the confirmation rate is confirmed / (confirmed + unmatched) and
// is nil when neither outcome occurred.
func ComputeStats(entries []*Entry, from, to time.Time) *Stats {
	s := &Stats{From: from, To: to, ByRiskLevel: map[string]int{}}
	var respTotal float64
	var respCount int

	for _, e := range entries {
		switch e.Kind {
		case KindTransition:
			switch e.ToStatus {
			case statusReceived:
				s.TotalRoutings++
				s.ByRiskLevel[e.RiskLevel]++
			case statusConfirmed:
				s.Confirmed++
			case statusUnmatched:
				s.Unmatched++
			}
		case KindFacilityResponse:
			if e.ResponseSeconds != nil {
				respTotal += *e.ResponseSeconds
				respCount++
			}
		case KindNotificationAttempt:
			if e.Outcome == "permanently_failed" {
				s.DeliveryFailures++
			}
		}
	}

	s.finish(respTotal, respCount)
	return s
}

func (s *Stats) finish(respTotal float64, respCount int) {
	if d := s.Confirmed + s.Unmatched; d > 0 {
		rate := float64(s.Confirmed) / float64(d)
		s.ConfirmationRate = &rate
	}
	if respCount > 0 {
		avg := respTotal / float64(respCount)
		s.AvgResponseSeconds = &avg
	}
}
