package facility

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleFacility, auth.RoleAuditor))
	read.GET("/facilities", h.ListFacilities)
	read.GET("/facilities/:id", h.GetFacility)
	read.GET("/facilities/:id/capacity-log", h.ListCapacityLog)

	write := api.Group("", auth.RequireRole(auth.RoleOperator))
	write.POST("/facilities", h.CreateFacility)

	capacity := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleFacility))
	capacity.PUT("/facilities/:id/capacity", h.UpdateCapacity)
}

func (h *Handler) CreateFacility(c echo.Context) error {
	var f Facility
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f.ID = uuid.Nil
	f.CapacityVersion = 0
	if err := h.svc.CreateFacility(c.Request().Context(), &f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetFacility(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.svc.GetFacility(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListFacilities(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		District:   c.QueryParam("district"),
		Type:       Type(c.QueryParam("type")),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	items, total, err := h.svc.ListFacilities(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type capacityRequest struct {
	AvailableBeds   *int   `json:"available_beds"`
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes"`
}

func (h *Handler) UpdateCapacity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if !auth.CanActForFacility(ctx, id.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "not permitted for this facility")
	}

	var req capacityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AvailableBeds == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available_beds is required")
	}
	if req.ExpectedVersion <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "expected_version is required")
	}

	f, err := h.svc.UpdateCapacity(ctx, CapacityUpdate{
		FacilityID:      id,
		ExpectedVersion: req.ExpectedVersion,
		Available:       *req.AvailableBeds,
		Reason:          req.Reason,
		Source:          SourceAPI,
		Notes:           req.Notes,
		Actor:           auth.Actor(ctx),
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListCapacityLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCapacityLog(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "facility not found")
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCapacity), errors.Is(err, ErrInsufficientCapacity):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
