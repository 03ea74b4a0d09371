// Package routing drives one case from intake to a confirmed facility or to
// unmatched. Every status change is persisted together with its audit entry.
package routing

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/harakacare/facility-router/internal/domain/matching"
	"github.com/harakacare/facility-router/internal/domain/priority"
	"github.com/harakacare/facility-router/internal/domain/triage"
)

type Status string

const (
	StatusReceived    Status = "received"
	StatusMatched     Status = "matched"
	StatusPrioritized Status = "prioritized"
	StatusNotified    Status = "notified"
	StatusConfirmed   Status = "confirmed"
	StatusRejected    Status = "rejected"
	StatusUnmatched   Status = "unmatched"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusUnmatched
}

// Intermediate reports whether s is a step the orchestrator passes through
// without waiting on a facility.
func (s Status) Intermediate() bool {
	switch s {
	case StatusReceived, StatusMatched, StatusPrioritized, StatusRejected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[Status][]Status{
	StatusReceived:    {StatusMatched, StatusUnmatched},
	StatusMatched:     {StatusPrioritized, StatusUnmatched},
	StatusPrioritized: {StatusNotified, StatusUnmatched},
	StatusNotified:    {StatusConfirmed, StatusRejected},
	StatusRejected:    {StatusMatched, StatusUnmatched},
	StatusConfirmed:   nil,
	StatusUnmatched:   nil,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("routing not found")
	ErrVersionConflict   = errors.New("routing was modified concurrently")
	ErrInvalidTransition = errors.New("invalid routing transition")
	ErrStaleResponse     = errors.New("response does not match the currently selected facility")
	ErrInvalidResponse   = errors.New("invalid facility response")
)

// Audit actors for automated steps.
const (
	ActorOrchestrator    = "system:orchestrator"
	ActorResponseTimeout = "system:response-timeout"
	ActorStallSweeper    = "system:stall-sweeper"
)

// FacilityActor is the audit actor for a response sent by a facility.
func FacilityActor(id uuid.UUID) string {
	return "facility:" + id.String()
}

// Routing is the routing record of one case.
type Routing struct {
	ID                  uuid.UUID             `db:"id" json:"id"`
	CaseID              uuid.UUID             `db:"case_id" json:"case_id"`
	PatientToken        string                `db:"patient_token" json:"patient_token"`
	RiskLevel           triage.RiskLevel      `db:"risk_level" json:"risk_level"`
	BookingMode         priority.BookingMode  `db:"booking_mode" json:"booking_mode,omitempty"`
	PriorityScore       int                   `db:"priority_score" json:"priority_score"`
	Status              Status                `db:"status" json:"status"`
	SelectedFacilityID  *uuid.UUID            `db:"selected_facility_id" json:"selected_facility_id,omitempty"`
	Candidates          []*matching.Candidate `db:"candidates" json:"candidates"`
	RejectedFacilityIDs []uuid.UUID           `db:"rejected_facility_ids" json:"rejected_facility_ids"`
	Attempts            int                   `db:"attempts" json:"attempts"`
	BedReserved         bool                  `db:"bed_reserved" json:"bed_reserved"`
	NeedsAttention      bool                  `db:"needs_attention" json:"needs_attention"`
	ResponseDeadline    *time.Time            `db:"response_deadline" json:"response_deadline,omitempty"`
	ReminderSentAt      *time.Time            `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	ReceivedAt          time.Time             `db:"received_at" json:"received_at"`
	MatchedAt           *time.Time            `db:"matched_at" json:"matched_at,omitempty"`
	PrioritizedAt       *time.Time            `db:"prioritized_at" json:"prioritized_at,omitempty"`
	NotifiedAt          *time.Time            `db:"notified_at" json:"notified_at,omitempty"`
	AcknowledgedAt      *time.Time            `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	ConfirmedAt         *time.Time            `db:"confirmed_at" json:"confirmed_at,omitempty"`
	RejectedAt          *time.Time            `db:"rejected_at" json:"rejected_at,omitempty"`
	UnmatchedAt         *time.Time            `db:"unmatched_at" json:"unmatched_at,omitempty"`
	Version             int64                 `db:"version" json:"version"`
	CreatedAt           time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time             `db:"updated_at" json:"updated_at"`
}

// Rejected returns the set of facilities that may not be offered again.
func (r *Routing) Rejected() map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(r.RejectedFacilityIDs))
	for _, id := range r.RejectedFacilityIDs {
		set[id] = true
	}
	return set
}

// IsSelected reports whether facilityID is the facility currently offered.
func (r *Routing) IsSelected(facilityID uuid.UUID) bool {
	return r.SelectedFacilityID != nil && *r.SelectedFacilityID == facilityID
}

// Remaining counts ranked candidates not yet rejected or skipped.
func (r *Routing) Remaining() int {
	rejected := r.Rejected()
	n := 0
	for _, c := range r.Candidates {
		if !rejected[c.FacilityID] {
			n++
		}
	}
	return n
}

func (r *Routing) clone() *Routing {
	cp := *r
	cp.Candidates = append([]*matching.Candidate(nil), r.Candidates...)
	cp.RejectedFacilityIDs = append([]uuid.UUID(nil), r.RejectedFacilityIDs...)
	return &cp
}

// EnteredAt returns when r entered its current status.
func (r *Routing) EnteredAt() time.Time {
	var at *time.Time
	switch r.Status {
	case StatusMatched:
		at = r.MatchedAt
	case StatusPrioritized:
		at = r.PrioritizedAt
	case StatusNotified:
		at = r.NotifiedAt
	case StatusConfirmed:
		at = r.ConfirmedAt
	case StatusRejected:
		at = r.RejectedAt
	case StatusUnmatched:
		at = r.UnmatchedAt
	}
	if at == nil {
		return r.ReceivedAt
	}
	return *at
}

func (r *Routing) stamp(s Status, at time.Time) {
	t := at
	switch s {
	case StatusMatched:
		r.MatchedAt = &t
	case StatusPrioritized:
		r.PrioritizedAt = &t
	case StatusNotified:
		r.NotifiedAt = &t
	case StatusConfirmed:
		r.ConfirmedAt = &t
	case StatusRejected:
		r.RejectedAt = &t
	case StatusUnmatched:
		r.UnmatchedAt = &t
	}
}

// Facility response actions.
type Action string

const (
	ActionConfirm     Action = "confirm"
	ActionReject      Action = "reject"
	ActionAcknowledge Action = "acknowledge"
)

func (a Action) Valid() bool {
	return a == ActionConfirm || a == ActionReject || a == ActionAcknowledge
}

// Response is a facility's answer to the offer of a case.
type Response struct {
	RoutingID      uuid.UUID  `json:"-"`
	FacilityID     uuid.UUID  `json:"facility_id"`
	NotificationID *uuid.UUID `json:"-"`
	Action         Action     `json:"action"`
	BedsReserved   *int       `json:"beds_reserved,omitempty"`
	ETAMinutes     *int       `json:"eta_minutes,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Actor          string     `json:"-"`
}

// CandidateView is a ranked candidate with its state in the routing.
type CandidateView struct {
	*matching.Candidate
	Selected bool `json:"selected"`
	Rejected bool `json:"rejected"`
}

// ListFilter narrows routing listings. Zero values match everything.
type ListFilter struct {
	Status         Status
	PatientToken   string
	FacilityID     *uuid.UUID
	NeedsAttention *bool
}

func (f ListFilter) matches(r *Routing) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.PatientToken != "" && r.PatientToken != f.PatientToken {
		return false
	}
	if f.FacilityID != nil && !r.IsSelected(*f.FacilityID) {
		return false
	}
	if f.NeedsAttention != nil && r.NeedsAttention != *f.NeedsAttention {
		return false
	}
	return true
}

// FollowUp is published to the downstream collaborator when a routing
// reaches a terminal status.
type FollowUp struct {
	RoutingID     uuid.UUID  `json:"routing_id"`
	CaseToken     string     `json:"case_token"`
	RiskLevel     string     `json:"risk_level"`
	PriorityScore int        `json:"priority_score"`
	Outcome       Status     `json:"outcome"`
	FacilityID    *uuid.UUID `json:"facility_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}
