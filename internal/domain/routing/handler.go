package routing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harakacare/facility-router/internal/domain/triage"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/pkg/pagination"
)

type Handler struct {
	o *Orchestrator
}

func NewHandler(o *Orchestrator) *Handler {
	return &Handler{o: o}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	intake := api.Group("", auth.RequireRole(auth.RoleOperator))
	intake.POST("/cases", h.CreateCase)

	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleAuditor))
	read.GET("/routings", h.ListRoutings)
	read.GET("/routings/by-token/:token", h.GetByToken)
	read.GET("/routings/:id", h.GetRouting)
	read.GET("/routings/:id/candidates", h.ListCandidates)

	respond := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleFacility))
	respond.POST("/routings/:id/responses", h.SubmitResponse)
}

// RegisterCallbackRoutes mounts the public facility callback. Callers are
// authenticated by the signed response token, not by the API middleware.
func (h *Handler) RegisterCallbackRoutes(g *echo.Group) {
	g.POST("/responses", h.Callback)
}

func (h *Handler) CreateCase(c echo.Context) error {
	var in triage.Intake
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.o.ProcessCase(c.Request().Context(), in)
	if err != nil {
		if r == nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		// The case is stored; report where routing stopped.
		return c.JSON(http.StatusAccepted, map[string]any{"routing": r, "error": err.Error()})
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRouting(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.o.GetRouting(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetByToken(c echo.Context) error {
	r, err := h.o.GetByToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRoutings(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		Status:       Status(c.QueryParam("status")),
		PatientToken: c.QueryParam("patient_token"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if v := c.QueryParam("facility_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		filter.FacilityID = &id
	}
	if v := c.QueryParam("needs_attention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid needs_attention")
		}
		filter.NeedsAttention = &b
	}
	items, total, err := h.o.ListRoutings(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListCandidates(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	views, err := h.o.Candidates(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) SubmitResponse(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var resp Response
	if err := c.Bind(&resp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if resp.FacilityID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "facility_id is required")
	}
	ctx := c.Request().Context()
	if !auth.CanActForFacility(ctx, resp.FacilityID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "not permitted for this facility")
	}
	resp.RoutingID = id
	resp.NotificationID = nil
	resp.Actor = auth.Actor(ctx)

	r, err := h.o.HandleResponse(ctx, resp)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type callbackRequest struct {
	Token        string `json:"token"`
	Action       Action `json:"action"`
	BedsReserved *int   `json:"beds_reserved"`
	ETAMinutes   *int   `json:"eta_minutes"`
	Notes        string `json:"notes"`
}

func (h *Handler) Callback(c echo.Context) error {
	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	token := c.QueryParam("token")
	if token == "" {
		token = req.Token
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing response token")
	}
	r, err := h.o.RespondWithToken(c.Request().Context(), token, Response{
		Action:       req.Action,
		BedsReserved: req.BedsReserved,
		ETAMinutes:   req.ETAMinutes,
		Notes:        req.Notes,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"routing_id": r.ID,
		"status":     r.Status,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "routing not found")
	case errors.Is(err, auth.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidResponse):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStaleResponse), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
