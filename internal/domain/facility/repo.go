package facility

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("facility not found")
	ErrVersionConflict      = errors.New("capacity version conflict")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrInvalidCapacity      = errors.New("invalid capacity")
)

type Repository interface {
	Create(ctx context.Context, f *Facility) error
	GetByID(ctx context.Context, id uuid.UUID) (*Facility, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Facility, int, error)
	ListAll(ctx context.Context) ([]*Facility, error)
	// CompareAndSetCapacity writes available beds when the stored version
	// equals expectedVersion and returns the new version. It returns
	// ErrVersionConflict otherwise.
	CompareAndSetCapacity(ctx context.Context, id uuid.UUID, expectedVersion int64, available int) (int64, error)
}

type CapacityLogRepository interface {
	Append(ctx context.Context, e *CapacityLogEntry) error
	ListByFacility(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*CapacityLogEntry, int, error)
}
