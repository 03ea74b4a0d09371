package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harakacare/facility-router/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const notificationCols = `id, routing_id, facility_id, kind, channel, retry_count, payload, status, error,
	response_body, sent_at, acknowledged_at, failed_at, created_at, updated_at`

func (s *storePG) scanRow(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.RoutingID, &n.FacilityID, &n.Kind, &n.Channel, &n.RetryCount, &n.Payload, &n.Status, &n.Error,
		&n.ResponseBody, &n.SentAt, &n.AcknowledgedAt, &n.FailedAt, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &n, err
}

func (s *storePG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (id, routing_id, facility_id, kind, channel, retry_count, payload, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		n.ID, n.RoutingID, n.FacilityID, n.Kind, n.Channel, n.RetryCount, []byte(n.Payload), n.Status).
		Scan(&n.CreatedAt, &n.UpdatedAt)
}

func (s *storePG) RecordAttempt(ctx context.Context, n *Notification) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE notifications SET
			channel = $2, retry_count = $3, error = $4, response_body = $5,
			sent_at = COALESCE($6, sent_at),
			failed_at = COALESCE($7, failed_at),
			acknowledged_at = COALESCE(acknowledged_at, $8),
			status = CASE WHEN status = 'acknowledged' THEN status ELSE $9 END,
			updated_at = NOW()
		WHERE id = $1`,
		n.ID, n.Channel, n.RetryCount, n.Error, n.ResponseBody, n.SentAt, n.FailedAt, n.AcknowledgedAt, n.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE notifications SET status = 'acknowledged', acknowledged_at = COALESCE(acknowledged_at, $2), updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.scanRow(s.conn(ctx).QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
}

func (s *storePG) ListByRouting(ctx context.Context, routingID uuid.UUID) ([]*Notification, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE routing_id = $1 ORDER BY created_at`, routingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *storePG) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	st := &Stats{}
	var avg *float64
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
			COUNT(*) FILTER (WHERE acknowledged_at IS NOT NULL),
			COUNT(*) FILTER (WHERE status = 'permanently_failed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'failed')),
			AVG(EXTRACT(EPOCH FROM (acknowledged_at - sent_at)) / 60.0)
				FILTER (WHERE acknowledged_at IS NOT NULL AND sent_at IS NOT NULL)
		FROM notifications
		WHERE ($1::timestamptz IS NULL OR created_at >= $1) AND ($2::timestamptz IS NULL OR created_at < $2)`,
		nullTime(from), nullTime(to)).
		Scan(&st.Total, &st.Sent, &st.Acknowledged, &st.Failed, &st.Pending, &avg)
	if err != nil {
		return nil, err
	}
	st.AvgResponseMinutes = avg
	return st, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
