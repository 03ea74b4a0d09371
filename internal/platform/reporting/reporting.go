// Package reporting serves predefined read-only SQL measures over routings,
// notifications and facility capacity.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/harakacare/facility-router/internal/platform/auth"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MeasureDefinition defines a reporting measure with its SQL query. Ranged
// measures take the window start and end as $1 and $2.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
	Ranged      bool   `json:"ranged"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	GeneratedAt time.Time        `json:"generated_at"`
	From        *time.Time       `json:"from,omitempty"`
	To          *time.Time       `json:"to,omitempty"`
	Results     []map[string]any `json:"results"`
}

// DefaultWindow is the range used by ranged measures when none is given.
const DefaultWindow = 7 * 24 * time.Hour

var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "routing-outcomes",
		Name:        "Routing Outcomes",
		Description: "Routings received in the window grouped by current status",
		SQL: `SELECT status, COUNT(*) AS total FROM routings
			WHERE received_at >= $1 AND received_at < $2
			GROUP BY status ORDER BY total DESC`,
		Ranged: true,
	},
	{
		ID:          "routing-volume-by-risk",
		Name:        "Routing Volume by Risk Level",
		Description: "Routings received in the window per risk level with confirmed and unmatched counts",
		SQL: `SELECT risk_level, COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'confirmed') AS confirmed,
				COUNT(*) FILTER (WHERE status = 'unmatched') AS unmatched
			FROM routings
			WHERE received_at >= $1 AND received_at < $2
			GROUP BY risk_level ORDER BY total DESC`,
		Ranged: true,
	},
	{
		ID:          "facility-confirmations",
		Name:        "Facility Confirmations",
		Description: "Confirmed routings per facility with the mean minutes from notification to confirmation",
		SQL: `SELECT f.name AS facility, COUNT(*) AS confirmed,
				ROUND(AVG(EXTRACT(EPOCH FROM (r.confirmed_at - r.notified_at)) / 60)::numeric, 1) AS avg_minutes_to_confirm
			FROM routings r JOIN facilities f ON f.id = r.selected_facility_id
			WHERE r.status = 'confirmed' AND r.confirmed_at >= $1 AND r.confirmed_at < $2
			GROUP BY f.name ORDER BY confirmed DESC`,
		Ranged: true,
	},
	{
		ID:          "notification-delivery",
		Name:        "Notification Delivery",
		Description: "Notifications created in the window by kind, channel and status",
		SQL: `SELECT kind, COALESCE(channel, 'none') AS channel, status, COUNT(*) AS total
			FROM notifications
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY kind, channel, status ORDER BY kind, total DESC`,
		Ranged: true,
	},
	{
		ID:          "facility-occupancy",
		Name:        "Facility Occupancy",
		Description: "Current bed occupancy of active facilities, fullest first",
		SQL: `SELECT name AS facility, district, total_beds, available_beds,
				ROUND((1 - available_beds::numeric / NULLIF(total_beds, 0)) * 100, 1) AS occupancy_pct
			FROM facilities WHERE active
			ORDER BY occupancy_pct DESC NULLS LAST, name`,
	},
	{
		ID:          "attention-queue",
		Name:        "Attention Queue",
		Description: "Notified routings whose notification could not be delivered",
		SQL: `SELECT id AS routing_id, patient_token, risk_level, notified_at, response_deadline
			FROM routings WHERE status = 'notified' AND needs_attention
			ORDER BY priority_score DESC, notified_at`,
	},
}

type Handler struct {
	db  Querier
	now func() time.Time
}

func NewHandler(db Querier) *Handler {
	return &Handler{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleOperator, auth.RoleAuditor))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure runs a measure. Ranged measures read from and to (RFC 3339)
// and default to the last DefaultWindow.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	report := MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now(),
	}
	var args []any
	if measure.Ranged {
		from, to, err := parseWindow(c.QueryParam("from"), c.QueryParam("to"), report.GeneratedAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		report.From, report.To = &from, &to
		args = []any{from, to}
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	report.Results = results
	return c.JSON(http.StatusOK, report)
}

func parseWindow(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	to := now
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}
	from := to.Add(-DefaultWindow)
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}

// executeSQL runs a query and returns each row as a column-name map.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
