package facility

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/harakacare/facility-router/internal/platform/auth"
)

func newTestEcho(fx *fixture, facilityID string, roles ...string) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			ctx = context.WithValue(ctx, auth.UserIDKey, "u-1")
			if facilityID != "" {
				ctx = context.WithValue(ctx, auth.FacilityIDKey, facilityID)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(fx.svc).RegisterRoutes(api)
	return e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	fx := newFixture(t)
	e := newTestEcho(fx, "", auth.RoleOperator)

	rec := doJSON(e, http.MethodPost, "/api/v1/facilities",
		`{"name":"Kawempe HC IV","facility_type":"health_center","total_beds":20,"available_beds":5,"services":["general_medicine"],"active":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Facility
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/facilities/"+created.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/facilities?type=health_center", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected list response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CreateForbiddenForFacilityRole(t *testing.T) {
	fx := newFixture(t)
	e := newTestEcho(fx, "", auth.RoleFacility)
	rec := doJSON(e, http.MethodPost, "/api/v1/facilities", `{"name":"x","facility_type":"clinic"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_UpdateCapacity(t *testing.T) {
	fx := newFixture(t)
	f := fx.create(t, 10, 2)
	e := newTestEcho(fx, f.ID.String(), auth.RoleFacility)
	path := "/api/v1/facilities/" + f.ID.String() + "/capacity"

	rec := doJSON(e, http.MethodPut, path, `{"available_beds":6,"expected_version":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPut, path, `{"available_beds":5,"expected_version":1}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on stale version, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPut, path, `{"available_beds":50,"expected_version":2}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 above total, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPut, path, `{"expected_version":2}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without available_beds, got %d", rec.Code)
	}

	logs, _, _ := fx.svc.ListCapacityLog(context.Background(), f.ID, 10, 0)
	if len(logs) != 1 || logs[0].Actor != "user:u-1" {
		t.Errorf("unexpected capacity log %+v", logs)
	}
}

func TestHandler_UpdateCapacity_OtherFacility(t *testing.T) {
	fx := newFixture(t)
	f := fx.create(t, 10, 2)
	e := newTestEcho(fx, "some-other-facility", auth.RoleFacility)
	rec := doJSON(e, http.MethodPut, "/api/v1/facilities/"+f.ID.String()+"/capacity", `{"available_beds":3,"expected_version":1}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_NotFound(t *testing.T) {
	fx := newFixture(t)
	e := newTestEcho(fx, "", auth.RoleAuditor)
	rec := doJSON(e, http.MethodGet, "/api/v1/facilities/00000000-0000-0000-0000-000000000001", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/v1/facilities/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
