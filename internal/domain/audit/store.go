package audit

import (
	"context"
	"time"
)

// Store persists entries. It deliberately has no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	Stats(ctx context.Context, from, to time.Time) (*Stats, error)
}
