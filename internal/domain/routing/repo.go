package routing

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores routings. Update is a compare-and-set on Version.
type Repository interface {
	Create(ctx context.Context, r *Routing) error
	GetByID(ctx context.Context, id uuid.UUID) (*Routing, error)
	// GetLatestByToken returns the most recently received routing for a token.
	GetLatestByToken(ctx context.Context, token string) (*Routing, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Routing, int, error)
	// ListNotified returns every routing waiting for a facility response.
	ListNotified(ctx context.Context) ([]*Routing, error)
	// ListIntermediate returns every routing between orchestrator steps
	// (received, matched, prioritized or rejected).
	ListIntermediate(ctx context.Context) ([]*Routing, error)
	// Update writes r when the stored version equals r.Version and bumps
	// r.Version on success.
	Update(ctx context.Context, r *Routing) error
}
