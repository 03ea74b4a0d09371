package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

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

const entryCols = `id, kind, routing_id, facility_id, notification_id, patient_token, risk_level,
	from_status, to_status, actor, outcome, response_seconds, detail, occurred_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Kind, &e.RoutingID, &e.FacilityID, &e.NotificationID, &e.PatientToken, &e.RiskLevel,
		&e.FromStatus, &e.ToStatus, &e.Actor, &e.Outcome, &e.ResponseSeconds, &e.Detail, &e.OccurredAt)
	return &e, err
}

func (s *storePG) Append(ctx context.Context, e *Entry) error {
	var detail []byte
	if len(e.Detail) > 0 {
		detail = e.Detail
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entries (id, kind, routing_id, facility_id, notification_id, patient_token, risk_level,
			from_status, to_status, actor, outcome, response_seconds, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.Kind, e.RoutingID, e.FacilityID, e.NotificationID, e.PatientToken, e.RiskLevel,
		e.FromStatus, e.ToStatus, e.Actor, e.Outcome, e.ResponseSeconds, detail, e.OccurredAt)
	return err
}

func whereClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.RoutingID != nil {
		add("routing_id = $%d", *f.RoutingID)
	}
	if f.FacilityID != nil {
		add("facility_id = $%d", *f.FacilityID)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where, args := whereClause(f)

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+entryCols+` FROM audit_entries`+where+
		` ORDER BY occurred_at, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (s *storePG) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	st := &Stats{From: from, To: to, ByRiskLevel: map[string]int{}}
	where, args := whereClause(Filter{From: from, To: to})
	and := " WHERE "
	if where != "" {
		and = where + " AND "
	}

	rows, err := s.conn(ctx).Query(ctx, `SELECT risk_level, COUNT(*) FROM audit_entries`+and+
		`kind = 'transition' AND to_status = 'received' GROUP BY risk_level`, args...)
	if err != nil {
		return nil, fmt.Errorf("count by risk level: %w", err)
	}
	for rows.Next() {
		var risk string
		var n int
		if err := rows.Scan(&risk, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByRiskLevel[risk] = n
		st.TotalRoutings += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var respTotal float64
	var respCount int
	err = s.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'transition' AND to_status = 'confirmed'),
			COUNT(*) FILTER (WHERE kind = 'transition' AND to_status = 'unmatched'),
			COUNT(*) FILTER (WHERE kind = 'notification_attempt' AND outcome = 'permanently_failed'),
			COALESCE(SUM(response_seconds) FILTER (WHERE kind = 'facility_response'), 0),
			COUNT(response_seconds) FILTER (WHERE kind = 'facility_response')
		FROM audit_entries`+where, args...).
		Scan(&st.Confirmed, &st.Unmatched, &st.DeliveryFailures, &respTotal, &respCount)
	if err != nil {
		return nil, fmt.Errorf("aggregate outcomes: %w", err)
	}

	st.finish(respTotal, respCount)
	return st, nil
}
