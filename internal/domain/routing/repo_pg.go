package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const routingCols = `id, case_id, patient_token, risk_level, booking_mode, priority_score, status,
	selected_facility_id, candidates, rejected_facility_ids, attempts, bed_reserved, needs_attention,
	response_deadline, reminder_sent_at, received_at, matched_at, prioritized_at, notified_at,
	acknowledged_at, confirmed_at, rejected_at, unmatched_at, version, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Routing, error) {
	var rt Routing
	var candidates []byte
	err := row.Scan(&rt.ID, &rt.CaseID, &rt.PatientToken, &rt.RiskLevel, &rt.BookingMode, &rt.PriorityScore, &rt.Status,
		&rt.SelectedFacilityID, &candidates, &rt.RejectedFacilityIDs, &rt.Attempts, &rt.BedReserved, &rt.NeedsAttention,
		&rt.ResponseDeadline, &rt.ReminderSentAt, &rt.ReceivedAt, &rt.MatchedAt, &rt.PrioritizedAt, &rt.NotifiedAt,
		&rt.AcknowledgedAt, &rt.ConfirmedAt, &rt.RejectedAt, &rt.UnmatchedAt, &rt.Version, &rt.CreatedAt, &rt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &rt.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
	}
	return &rt, nil
}

func encodeCandidates(rt *Routing) ([]byte, error) {
	if rt.Candidates == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(rt.Candidates)
}

func rejectedIDs(rt *Routing) []uuid.UUID {
	if rt.RejectedFacilityIDs == nil {
		return []uuid.UUID{}
	}
	return rt.RejectedFacilityIDs
}

func (r *repoPG) Create(ctx context.Context, rt *Routing) error {
	if rt.ID == uuid.Nil {
		rt.ID = uuid.New()
	}
	if rt.Version == 0 {
		rt.Version = 1
	}
	candidates, err := encodeCandidates(rt)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO routings (id, case_id, patient_token, risk_level, booking_mode, priority_score, status,
			candidates, rejected_facility_ids, received_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		rt.ID, rt.CaseID, rt.PatientToken, rt.RiskLevel, rt.BookingMode, rt.PriorityScore, rt.Status,
		candidates, rejectedIDs(rt), rt.ReceivedAt, rt.Version).Scan(&rt.CreatedAt, &rt.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Routing, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+routingCols+` FROM routings WHERE id = $1`, id))
}

func (r *repoPG) GetLatestByToken(ctx context.Context, token string) (*Routing, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+routingCols+` FROM routings
		WHERE patient_token = $1 ORDER BY received_at DESC LIMIT 1`, token))
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Routing, int, error) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PatientToken != "" {
		args = append(args, filter.PatientToken)
		conds = append(conds, fmt.Sprintf("patient_token = $%d", len(args)))
	}
	if filter.FacilityID != nil {
		args = append(args, *filter.FacilityID)
		conds = append(conds, fmt.Sprintf("selected_facility_id = $%d", len(args)))
	}
	if filter.NeedsAttention != nil {
		args = append(args, *filter.NeedsAttention)
		conds = append(conds, fmt.Sprintf("needs_attention = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM routings`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT `+routingCols+` FROM routings`+where+` ORDER BY received_at DESC, id LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	items, err := r.query(ctx, query, append(args, limit, offset)...)
	return items, total, err
}

func (r *repoPG) ListNotified(ctx context.Context) ([]*Routing, error) {
	return r.query(ctx, `SELECT `+routingCols+` FROM routings WHERE status = $1 ORDER BY received_at`, StatusNotified)
}

func (r *repoPG) ListIntermediate(ctx context.Context) ([]*Routing, error) {
	return r.query(ctx, `SELECT `+routingCols+` FROM routings WHERE status IN ($1, $2, $3, $4) ORDER BY received_at`,
		StatusReceived, StatusMatched, StatusPrioritized, StatusRejected)
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Routing, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Routing
	for rows.Next() {
		rt, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rt)
	}
	return items, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, rt *Routing) error {
	candidates, err := encodeCandidates(rt)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE routings SET booking_mode = $3, priority_score = $4, status = $5, selected_facility_id = $6,
			candidates = $7, rejected_facility_ids = $8, attempts = $9, bed_reserved = $10, needs_attention = $11,
			response_deadline = $12, reminder_sent_at = $13, matched_at = $14, prioritized_at = $15,
			notified_at = $16, acknowledged_at = $17, confirmed_at = $18, rejected_at = $19, unmatched_at = $20,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		rt.ID, rt.Version, rt.BookingMode, rt.PriorityScore, rt.Status, rt.SelectedFacilityID,
		candidates, rejectedIDs(rt), rt.Attempts, rt.BedReserved, rt.NeedsAttention,
		rt.ResponseDeadline, rt.ReminderSentAt, rt.MatchedAt, rt.PrioritizedAt,
		rt.NotifiedAt, rt.AcknowledgedAt, rt.ConfirmedAt, rt.RejectedAt, rt.UnmatchedAt,
	).Scan(&rt.Version, &rt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM routings WHERE id = $1)`, rt.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return err
}
