package triage

import (
	"context"
	"errors"

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

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &caseRepoPG{pool: pool}
}

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const caseCols = `id, patient_token, triage_session_id, risk_level, primary_symptom,
	secondary_symptoms, has_red_flags, chronic_conditions, district, lat, lng,
	received_at, created_at`

func (r *caseRepoPG) scanRow(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.PatientToken, &c.TriageSessionID, &c.RiskLevel, &c.PrimarySymptom,
		&c.SecondarySymptoms, &c.HasRedFlags, &c.ChronicConditions, &c.District, &c.Lat, &c.Lng,
		&c.ReceivedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cases (id, patient_token, triage_session_id, risk_level, primary_symptom,
			secondary_symptoms, has_red_flags, chronic_conditions, district, lat, lng, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		c.ID, c.PatientToken, c.TriageSessionID, c.RiskLevel, c.PrimarySymptom,
		c.SecondarySymptoms, c.HasRedFlags, c.ChronicConditions, c.District, c.Lat, c.Lng,
		c.ReceivedAt).Scan(&c.CreatedAt)
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id))
}

func (r *caseRepoPG) GetLatestByToken(ctx context.Context, token string) (*Case, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE patient_token = $1 ORDER BY received_at DESC LIMIT 1`, token))
}
