// Package dispatch delivers PII-free case notices to facilities over their
// API endpoint with SMS as the fallback channel, retrying with capped
// exponential backoff.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNewCase      Kind = "new_case"
	KindReminder     Kind = "reminder"
	KindCancellation Kind = "cancellation"
)

type Channel string

const (
	ChannelAPI Channel = "api"
	ChannelSMS Channel = "sms"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusSent              Status = "sent"
	StatusAcknowledged      Status = "acknowledged"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Terminal reports whether no further delivery attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusAcknowledged || s == StatusPermanentlyFailed
}

// Notification is one dispatch to one facility. RetryCount counts the
// delivery rounds after the first.
type Notification struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RoutingID      uuid.UUID       `db:"routing_id" json:"routing_id"`
	FacilityID     uuid.UUID       `db:"facility_id" json:"facility_id"`
	Kind           Kind            `db:"kind" json:"kind"`
	Channel        Channel         `db:"channel" json:"channel,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         Status          `db:"status" json:"status"`
	Error          string          `db:"error" json:"error,omitempty"`
	ResponseBody   string          `db:"response_body" json:"response_body,omitempty"`
	SentAt         *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time      `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	FailedAt       *time.Time      `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Payload is the body facilities receive. It carries no name, phone number,
// coordinates or district.
type Payload struct {
	NotificationID       uuid.UUID  `json:"notification_id"`
	Kind                 Kind       `json:"kind"`
	CaseToken            string     `json:"case_token"`
	RiskLevel            string     `json:"risk_level"`
	PrimarySymptom       string     `json:"primary_symptom"`
	SecondarySymptoms    []string   `json:"secondary_symptoms"`
	RequiredServices     []string   `json:"required_services"`
	PriorityScore        int        `json:"priority_score"`
	BookingMode          string     `json:"booking_mode"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	ResponseDeadline     *time.Time `json:"response_deadline,omitempty"`
	ResponseToken        string     `json:"response_token,omitempty"`
	RespondURL           string     `json:"respond_url,omitempty"`
	SentAt               time.Time  `json:"sent_at"`
}

// Stats summarize notifications created in a time range.
type Stats struct {
	Total              int      `json:"total"`
	Sent               int      `json:"sent"`
	Acknowledged       int      `json:"acknowledged"`
	Failed             int      `json:"failed"`
	Pending            int      `json:"pending"`
	AvgResponseMinutes *float64 `json:"avg_response_minutes"`
}
