package audit

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/pkg/pagination"
)

const (
	defaultExportWindow = 7 * 24 * time.Hour
	maxExportRows       = 50000
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/audit", auth.RequireRole(auth.RoleAuditor, auth.RoleOperator))
	read.GET("/entries", h.ListEntries)
	read.GET("/stats", h.GetStats)
	read.GET("/export.xlsx", h.Export)
}

func (h *Handler) ListEntries(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStats(c echo.Context) error {
	from, to, err := rangeFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stats, err := h.svc.Stats(c.Request().Context(), from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// Export streams entries and stats for the range as a workbook. Without a
// from parameter the last seven days are exported.
func (h *Handler) Export(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if f.To.IsZero() {
		f.To = h.svc.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-defaultExportWindow)
	}

	ctx := c.Request().Context()
	entries, total, err := h.svc.List(ctx, f, maxExportRows, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stats, err := h.svc.Stats(ctx, f.From, f.To)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, entries, stats); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	name := fmt.Sprintf("audit_%s_%s.xlsx", f.From.Format("20060102"), f.To.Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	if total > len(entries) {
		c.Response().Header().Set("X-Export-Truncated", "true")
	}
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var f Filter
	if k := c.QueryParam("kind"); k != "" {
		f.Kind = Kind(k)
		if !f.Kind.Valid() {
			return f, fmt.Errorf("invalid kind: %s", k)
		}
	}
	if v := c.QueryParam("routing_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid routing_id")
		}
		f.RoutingID = &id
	}
	if v := c.QueryParam("facility_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid facility_id")
		}
		f.FacilityID = &id
	}
	var err error
	f.From, f.To, err = rangeFromQuery(c)
	return f, err
}

func rangeFromQuery(c echo.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid from: expected RFC3339")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid to: expected RFC3339")
		}
		to = t
	}
	return from, to, nil
}
