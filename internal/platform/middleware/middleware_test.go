package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/platform/auth"
)

func serve(t *testing.T, req *http.Request, mws []echo.MiddlewareFunc, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return rec, h(c)
}

func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var out map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"caller id kept", "case-intake-42", true},
		{"oversized id replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			var seen string
			rec, err := serve(t, req, []echo.MiddlewareFunc{RequestID()}, func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return c.NoContent(http.StatusNoContent)
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
				t.Fatalf("request id %q not echoed (header %q)", seen, rec.Header().Get(RequestIDHeader))
			}
			if (seen == tt.incoming) != tt.keep {
				t.Errorf("kept=%v, want %v", seen == tt.incoming, tt.keep)
			}
		})
	}
}

func TestLogger_RecordsCallerAndStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/routings/r-1/responses", nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "op-7")
	ctx = context.WithValue(ctx, auth.FacilityIDKey, "fac-3")
	req = req.WithContext(ctx)

	_, err := serve(t, req, []echo.MiddlewareFunc{RequestID(), Logger(logger)}, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := lastLogLine(t, &buf)
	if line["level"] != "info" || line["status"] != float64(http.StatusOK) {
		t.Errorf("unexpected level/status: %v", line)
	}
	if line["actor"] != "user:op-7" || line["facility_id"] != "fac-3" {
		t.Errorf("caller fields missing: %v", line)
	}
	if line["request_id"] == nil || line["method"] != http.MethodPost {
		t.Errorf("request fields missing: %v", line)
	}
}

func TestLogger_WritesHandlerErrors(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		level string
	}{
		{"client error", http.StatusConflict, "warn"},
		{"server error", http.StatusBadGateway, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			req := httptest.NewRequest(http.MethodGet, "/api/v1/routings/x", nil)
			rec, err := serve(t, req, []echo.MiddlewareFunc{Logger(zerolog.New(&buf))}, func(c echo.Context) error {
				return echo.NewHTTPError(tt.code, "stale response")
			})
			if err != nil {
				t.Fatalf("error should be rendered, got %v", err)
			}
			if rec.Code != tt.code {
				t.Errorf("expected %d written, got %d", tt.code, rec.Code)
			}
			line := lastLogLine(t, &buf)
			if line["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, line["level"])
			}
			if _, ok := line["actor"]; ok {
				t.Errorf("anonymous request should not log an actor: %v", line)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)

	_, err := serve(t, req, []echo.MiddlewareFunc{Recovery(logger)}, func(c echo.Context) error {
		panic("nil facility")
	})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	line := lastLogLine(t, &buf)
	if line["panic"] != "nil facility" || line["stack"] == nil {
		t.Errorf("panic not logged with stack: %v", line)
	}

	buf.Reset()
	_, err = serve(t, req, []echo.MiddlewareFunc{Recovery(logger)}, func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	if err != nil || buf.Len() != 0 {
		t.Errorf("clean request should pass through silently, err=%v log=%q", err, buf.String())
	}
}
