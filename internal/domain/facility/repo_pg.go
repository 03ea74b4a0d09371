package facility

import (
	"context"
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

// =========== Facility Repository ===========

type facilityRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &facilityRepoPG{pool: pool}
}

func (r *facilityRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const facilityCols = `id, name, facility_type, district, lat, lng, total_beds, available_beds,
	staff_count, services, emergency_capable, avg_wait_minutes, notification_endpoint, sms_phone,
	active, capacity_version, created_at, updated_at`

func (r *facilityRepoPG) scanRow(row pgx.Row) (*Facility, error) {
	var f Facility
	err := row.Scan(&f.ID, &f.Name, &f.FacilityType, &f.District, &f.Lat, &f.Lng, &f.TotalBeds, &f.AvailableBeds,
		&f.StaffCount, &f.Services, &f.EmergencyCapable, &f.AvgWaitMinutes, &f.NotificationEndpoint, &f.SMSPhone,
		&f.Active, &f.CapacityVersion, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &f, err
}

func (r *facilityRepoPG) Create(ctx context.Context, f *Facility) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CapacityVersion == 0 {
		f.CapacityVersion = 1
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO facilities (id, name, facility_type, district, lat, lng, total_beds, available_beds,
			staff_count, services, emergency_capable, avg_wait_minutes, notification_endpoint, sms_phone,
			active, capacity_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		f.ID, f.Name, f.FacilityType, f.District, f.Lat, f.Lng, f.TotalBeds, f.AvailableBeds,
		f.StaffCount, f.Services, f.EmergencyCapable, f.AvgWaitMinutes, f.NotificationEndpoint, f.SMSPhone,
		f.Active, f.CapacityVersion).Scan(&f.CreatedAt, &f.UpdatedAt)
}

func (r *facilityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Facility, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+facilityCols+` FROM facilities WHERE id = $1`, id))
}

func (r *facilityRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Facility, int, error) {
	var conds []string
	var args []interface{}
	if filter.District != "" {
		args = append(args, filter.District)
		conds = append(conds, fmt.Sprintf("district = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("facility_type = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "active")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM facilities`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+facilityCols+` FROM facilities`+where+` ORDER BY name, id LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	items, err := r.query(ctx, query, append(args, limit, offset)...)
	return items, total, err
}

func (r *facilityRepoPG) ListAll(ctx context.Context) ([]*Facility, error) {
	return r.query(ctx, `SELECT `+facilityCols+` FROM facilities ORDER BY id`)
}

func (r *facilityRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Facility, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Facility
	for rows.Next() {
		f, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *facilityRepoPG) CompareAndSetCapacity(ctx context.Context, id uuid.UUID, expectedVersion int64, available int) (int64, error) {
	var version int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE facilities SET available_beds = $3, capacity_version = capacity_version + 1, updated_at = NOW()
		WHERE id = $1 AND capacity_version = $2
		RETURNING capacity_version`,
		id, expectedVersion, available).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM facilities WHERE id = $1)`, id).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return version, err
}

// =========== Capacity Log Repository ===========

type capacityLogRepoPG struct{ pool *pgxpool.Pool }

func NewCapacityLogRepoPG(pool *pgxpool.Pool) CapacityLogRepository {
	return &capacityLogRepoPG{pool: pool}
}

func (r *capacityLogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const capacityLogCols = `id, facility_id, old_value, new_value, delta, version, reason, source, notes,
	actor, routing_id, created_at`

func (r *capacityLogRepoPG) Append(ctx context.Context, e *CapacityLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO capacity_log (id, facility_id, old_value, new_value, delta, version, reason, source, notes,
			actor, routing_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		e.ID, e.FacilityID, e.OldValue, e.NewValue, e.Delta, e.Version, e.Reason, e.Source, e.Notes,
		e.Actor, e.RoutingID).Scan(&e.CreatedAt)
}

func (r *capacityLogRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*CapacityLogEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM capacity_log WHERE facility_id = $1`, facilityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+capacityLogCols+` FROM capacity_log
		WHERE facility_id = $1 ORDER BY version DESC LIMIT $2 OFFSET $3`, facilityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CapacityLogEntry
	for rows.Next() {
		var e CapacityLogEntry
		if err := rows.Scan(&e.ID, &e.FacilityID, &e.OldValue, &e.NewValue, &e.Delta, &e.Version, &e.Reason, &e.Source,
			&e.Notes, &e.Actor, &e.RoutingID, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
