package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder appends entries. When ctx carries a transaction the entry is
// written in it.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

type Service struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record validates and appends e, stamping its id and time.
func (s *Service) Record(ctx context.Context, e *Entry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid audit kind: %q", e.Kind)
	}
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	if err := s.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	s.logger.Debug().
		Str("kind", string(e.Kind)).
		Str("actor", e.Actor).
		Str("to_status", e.ToStatus).
		Str("outcome", e.Outcome).
		Msg("audit entry recorded")
	return nil
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.store.List(ctx, f, limit, offset)
}

// Stats returns aggregates over [from, to). A zero to means now.
func (s *Service) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	if to.IsZero() {
		to = s.now().UTC()
	}
	if !from.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("from must be before to")
	}
	return s.store.Stats(ctx, from, to)
}

// SystemEvent records a system_event entry.
func (s *Service) SystemEvent(ctx context.Context, actor, outcome string, detail any) error {
	e := &Entry{Kind: KindSystemEvent, Actor: actor, Outcome: outcome}
	if detail != nil {
		if err := e.SetDetail(detail); err != nil {
			return err
		}
	}
	return s.Record(ctx, e)
}
