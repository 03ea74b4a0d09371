package triage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no case matches.
var ErrNotFound = errors.New("case not found")

// Repository stores cases. There is no update: cases are immutable.
type Repository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// GetLatestByToken returns the most recently received case for a token.
	GetLatestByToken(ctx context.Context, token string) (*Case, error)
}
