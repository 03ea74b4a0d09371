package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("notification not found")

type Store interface {
	Create(ctx context.Context, n *Notification) error
	// RecordAttempt stores the outcome of a delivery round. It never
	// downgrades an acknowledged notification.
	RecordAttempt(ctx context.Context, n *Notification) error
	// Acknowledge stamps the first acknowledgment.
	Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRouting(ctx context.Context, routingID uuid.UUID) ([]*Notification, error)
	Stats(ctx context.Context, from, to time.Time) (*Stats, error)
}
