// Package facility is the registry of health facilities and their bed
// capacity. Capacity only changes through versioned compare-and-set writes,
// each of which leaves a capacity log entry.
package facility

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of facility.
type Type string

const (
	TypeHospital         Type = "hospital"
	TypeUrgentCare       Type = "urgent_care"
	TypeHealthCenter     Type = "health_center"
	TypeSpecialtyCenter  Type = "specialty_center"
	TypeClinic           Type = "clinic"
	TypeDiagnosticCenter Type = "diagnostic_center"
	TypePharmacy         Type = "pharmacy"
	TypeLaboratory       Type = "laboratory"
)

// Valid reports whether t is a known facility type.
func (t Type) Valid() bool {
	switch t {
	case TypeHospital, TypeUrgentCare, TypeHealthCenter, TypeSpecialtyCenter,
		TypeClinic, TypeDiagnosticCenter, TypePharmacy, TypeLaboratory:
		return true
	}
	return false
}

// Hard exclusion reasons.
const (
	ExclusionInactive = "inactive"
	ExclusionNoBeds   = "no_available_beds"
)

type Facility struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	FacilityType         Type      `db:"facility_type" json:"facility_type"`
	District             string    `db:"district" json:"district"`
	Lat                  *float64  `db:"lat" json:"lat,omitempty"`
	Lng                  *float64  `db:"lng" json:"lng,omitempty"`
	TotalBeds            int       `db:"total_beds" json:"total_beds"`
	AvailableBeds        int       `db:"available_beds" json:"available_beds"`
	StaffCount           int       `db:"staff_count" json:"staff_count"`
	Services             []string  `db:"services" json:"services"`
	EmergencyCapable     bool      `db:"emergency_capable" json:"emergency_capable"`
	AvgWaitMinutes       *int      `db:"avg_wait_minutes" json:"avg_wait_minutes,omitempty"`
	NotificationEndpoint *string   `db:"notification_endpoint" json:"notification_endpoint,omitempty"`
	SMSPhone             *string   `db:"sms_phone" json:"sms_phone,omitempty"`
	Active               bool      `db:"active" json:"active"`
	CapacityVersion      int64     `db:"capacity_version" json:"capacity_version"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// ExclusionReason returns why f cannot take a case at all, or "" when it can.
func (f *Facility) ExclusionReason() string {
	if !f.Active {
		return ExclusionInactive
	}
	if f.AvailableBeds <= 0 {
		return ExclusionNoBeds
	}
	return ""
}

// Offers reports whether f provides service.
func (f *Facility) Offers(service string) bool {
	for _, s := range f.Services {
		if s == service {
			return true
		}
	}
	return false
}

// HasCoordinates reports whether both coordinates are known.
func (f *Facility) HasCoordinates() bool {
	return f.Lat != nil && f.Lng != nil
}

// Capacity change reasons.
const (
	ReasonManualUpdate = "manual_update"
	ReasonReservation  = "routing_reservation"
	ReasonRelease      = "routing_release"
	ReasonConfirmation = "booking_confirmed"
)

// Capacity change sources.
const (
	SourceAPI     = "api"
	SourceRouting = "routing"
	SourceImport  = "import"
)

// CapacityLogEntry records one capacity change. Entries are never modified.
type CapacityLogEntry struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	FacilityID uuid.UUID  `db:"facility_id" json:"facility_id"`
	OldValue   int        `db:"old_value" json:"old_value"`
	NewValue   int        `db:"new_value" json:"new_value"`
	Delta      int        `db:"delta" json:"delta"`
	Version    int64      `db:"version" json:"version"`
	Reason     string     `db:"reason" json:"reason"`
	Source     string     `db:"source" json:"source"`
	Notes      *string    `db:"notes" json:"notes,omitempty"`
	Actor      string     `db:"actor" json:"actor"`
	RoutingID  *uuid.UUID `db:"routing_id" json:"routing_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// CapacityUpdate is an absolute capacity write guarded by the version the
// caller last read.
type CapacityUpdate struct {
	FacilityID      uuid.UUID
	ExpectedVersion int64
	Available       int
	Reason          string
	Source          string
	Notes           string
	Actor           string
	RoutingID       *uuid.UUID
}

// ListFilter narrows facility listings.
type ListFilter struct {
	District   string
	Type       Type
	ActiveOnly bool
}
