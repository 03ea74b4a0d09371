package facility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/platform/db"
	"github.com/harakacare/facility-router/internal/platform/lock"
	"github.com/harakacare/facility-router/internal/platform/websocket"
)

const maxAdjustRetries = 5

// LockKey is the lock key serializing capacity writes for one facility.
func LockKey(id uuid.UUID) string {
	return "facility:" + id.String()
}

type Service struct {
	facilities Repository
	logs       CapacityLogRepository
	audit      audit.Recorder
	tx         db.TxManager
	locker     lock.Locker
	events     websocket.EventPublisher
	logger     zerolog.Logger
}

func NewService(facilities Repository, logs CapacityLogRepository, rec audit.Recorder, tx db.TxManager, locker lock.Locker, logger zerolog.Logger) *Service {
	return &Service{
		facilities: facilities,
		logs:       logs,
		audit:      rec,
		tx:         tx,
		locker:     locker,
		logger:     logger.With().Str("component", "facility").Logger(),
	}
}

// SetEventPublisher attaches an optional publisher for capacity events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

func (s *Service) CreateFacility(ctx context.Context, f *Facility) error {
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !f.FacilityType.Valid() {
		return fmt.Errorf("invalid facility_type: %q", f.FacilityType)
	}
	if f.TotalBeds < 0 {
		return fmt.Errorf("%w: total_beds must not be negative", ErrInvalidCapacity)
	}
	if f.AvailableBeds < 0 || f.AvailableBeds > f.TotalBeds {
		return fmt.Errorf("%w: available_beds must be between 0 and total_beds", ErrInvalidCapacity)
	}
	if (f.Lat == nil) != (f.Lng == nil) {
		return fmt.Errorf("lat and lng must be given together")
	}
	if f.Services == nil {
		f.Services = []string{}
	}
	return s.facilities.Create(ctx, f)
}

func (s *Service) GetFacility(ctx context.Context, id uuid.UUID) (*Facility, error) {
	return s.facilities.GetByID(ctx, id)
}

func (s *Service) ListFacilities(ctx context.Context, filter ListFilter, limit, offset int) ([]*Facility, int, error) {
	return s.facilities.List(ctx, filter, limit, offset)
}

// ListAll returns every facility, active or not, for matching.
func (s *Service) ListAll(ctx context.Context) ([]*Facility, error) {
	return s.facilities.ListAll(ctx)
}

func (s *Service) ListCapacityLog(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*CapacityLogEntry, int, error) {
	if _, err := s.facilities.GetByID(ctx, facilityID); err != nil {
		return nil, 0, err
	}
	return s.logs.ListByFacility(ctx, facilityID, limit, offset)
}

// UpdateCapacity sets available beds to u.Available when the facility is
// still at u.ExpectedVersion.
func (s *Service) UpdateCapacity(ctx context.Context, u CapacityUpdate) (*Facility, error) {
	if u.Available < 0 {
		return nil, fmt.Errorf("%w: available_beds must not be negative", ErrInvalidCapacity)
	}
	if u.Reason == "" {
		u.Reason = ReasonManualUpdate
	}
	if u.Source == "" {
		u.Source = SourceAPI
	}

	release, err := s.locker.Acquire(ctx, LockKey(u.FacilityID))
	if err != nil {
		return nil, err
	}
	defer release()

	var updated *Facility
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		f, err := s.facilities.GetByID(ctx, u.FacilityID)
		if err != nil {
			return err
		}
		if f.CapacityVersion != u.ExpectedVersion {
			return ErrVersionConflict
		}
		if u.Available > f.TotalBeds {
			return fmt.Errorf("%w: available_beds exceeds total_beds (%d)", ErrInvalidCapacity, f.TotalBeds)
		}
		updated, err = s.apply(ctx, f, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, updated)
	return updated, nil
}

// AdjustCapacity changes available beds by delta, retrying on version
// conflicts. A release never raises capacity above total beds; a reservation
// that would go negative returns ErrInsufficientCapacity.
func (s *Service) AdjustCapacity(ctx context.Context, facilityID uuid.UUID, delta int, reason, actor string, routingID *uuid.UUID) (*Facility, error) {
	release, err := s.locker.Acquire(ctx, LockKey(facilityID))
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		var updated *Facility
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			f, err := s.facilities.GetByID(ctx, facilityID)
			if err != nil {
				return err
			}
			target := f.AvailableBeds + delta
			if target < 0 {
				return ErrInsufficientCapacity
			}
			if target > f.TotalBeds {
				target = f.TotalBeds
			}
			if target == f.AvailableBeds {
				updated = f
				return nil
			}
			updated, err = s.apply(ctx, f, CapacityUpdate{
				FacilityID:      facilityID,
				ExpectedVersion: f.CapacityVersion,
				Available:       target,
				Reason:          reason,
				Source:          SourceRouting,
				Actor:           actor,
				RoutingID:       routingID,
			})
			return err
		})
		if errors.Is(err, ErrVersionConflict) && attempt < maxAdjustRetries {
			s.logger.Debug().Str("facility_id", facilityID.String()).Int("attempt", attempt).Msg("capacity conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		s.publish(ctx, updated)
		return updated, nil
	}
}

// apply writes the new value, its log entry and its audit entry. It must run
// inside a transaction.
func (s *Service) apply(ctx context.Context, f *Facility, u CapacityUpdate) (*Facility, error) {
	version, err := s.facilities.CompareAndSetCapacity(ctx, f.ID, u.ExpectedVersion, u.Available)
	if err != nil {
		return nil, err
	}

	entry := &CapacityLogEntry{
		FacilityID: f.ID,
		OldValue:   f.AvailableBeds,
		NewValue:   u.Available,
		Delta:      u.Available - f.AvailableBeds,
		Version:    version,
		Reason:     u.Reason,
		Source:     u.Source,
		Actor:      u.Actor,
		RoutingID:  u.RoutingID,
	}
	if u.Notes != "" {
		entry.Notes = &u.Notes
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append capacity log: %w", err)
	}

	actor := u.Actor
	if actor == "" {
		actor = "system"
	}
	ae := &audit.Entry{
		Kind:       audit.KindCapacityChange,
		FacilityID: &f.ID,
		RoutingID:  u.RoutingID,
		Actor:      actor,
		Outcome:    u.Reason,
	}
	if err := ae.SetDetail(map[string]any{
		"old_value": entry.OldValue,
		"new_value": entry.NewValue,
		"delta":     entry.Delta,
		"version":   version,
		"source":    u.Source,
	}); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, ae); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("facility_id", f.ID.String()).
		Int("old", entry.OldValue).
		Int("new", entry.NewValue).
		Int64("version", version).
		Str("reason", u.Reason).
		Msg("capacity updated")

	out := *f
	out.AvailableBeds = u.Available
	out.CapacityVersion = version
	return &out, nil
}

func (s *Service) publish(ctx context.Context, f *Facility) {
	if s.events == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"available_beds":   f.AvailableBeds,
		"total_beds":       f.TotalBeds,
		"capacity_version": f.CapacityVersion,
	})
	ev := websocket.Event{
		Type:       "capacity.updated",
		Topic:      websocket.TopicCapacity,
		FacilityID: f.ID.String(),
		Data:       data,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish capacity event")
	}
}
