// Package audit is the append-only record of routing decisions, state
// transitions, notification attempts, facility responses and capacity
// changes. Aggregates are derived from it and never written back.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindCandidateSet        Kind = "candidate_set"
	KindTransition          Kind = "transition"
	KindNotificationAttempt Kind = "notification_attempt"
	KindFacilityResponse    Kind = "facility_response"
	KindCapacityChange      Kind = "capacity_change"
	KindSystemEvent         Kind = "system_event"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCandidateSet, KindTransition, KindNotificationAttempt,
		KindFacilityResponse, KindCapacityChange, KindSystemEvent:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Kind            Kind            `db:"kind" json:"kind"`
	RoutingID       *uuid.UUID      `db:"routing_id" json:"routing_id,omitempty"`
	FacilityID      *uuid.UUID      `db:"facility_id" json:"facility_id,omitempty"`
	NotificationID  *uuid.UUID      `db:"notification_id" json:"notification_id,omitempty"`
	PatientToken    string          `db:"patient_token" json:"patient_token,omitempty"`
	RiskLevel       string          `db:"risk_level" json:"risk_level,omitempty"`
	FromStatus      string          `db:"from_status" json:"from_status,omitempty"`
	ToStatus        string          `db:"to_status" json:"to_status,omitempty"`
	Actor           string          `db:"actor" json:"actor"`
	Outcome         string          `db:"outcome" json:"outcome,omitempty"`
	ResponseSeconds *float64        `db:"response_seconds" json:"response_seconds,omitempty"`
	Detail          json.RawMessage `db:"detail" json:"detail,omitempty"`
	OccurredAt      time.Time       `db:"occurred_at" json:"occurred_at"`
}

// SetDetail marshals v into the entry detail.
func (e *Entry) SetDetail(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Detail = b
	return nil
}

// Filter narrows entry listings. Zero values match everything.
type Filter struct {
	Kind       Kind
	RoutingID  *uuid.UUID
	FacilityID *uuid.UUID
	From       time.Time
	To         time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.RoutingID != nil && (e.RoutingID == nil || *e.RoutingID != *f.RoutingID) {
		return false
	}
	if f.FacilityID != nil && (e.FacilityID == nil || *e.FacilityID != *f.FacilityID) {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}
