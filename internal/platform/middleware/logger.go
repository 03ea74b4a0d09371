package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/platform/auth"
)

// Logger writes one access line per request. Errors are rendered by echo
// before logging so the recorded status is the one the caller saw.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			res := c.Response()
			var evt *zerolog.Event
			switch {
			case res.Status >= 500:
				evt = logger.Error().Err(err)
			case res.Status >= 400:
				evt = logger.Warn().Err(err)
			default:
				evt = logger.Info()
			}

			rid, _ := c.Get("request_id").(string)
			evt = evt.Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("route", c.Path()).
				Int("status", res.Status).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(began)).
				Str("remote_ip", c.RealIP())
			if actor := auth.Actor(c.Request().Context()); actor != "anonymous" {
				evt = evt.Str("actor", actor)
			}
			if fid := auth.FacilityIDFromContext(c.Request().Context()); fid != "" {
				evt = evt.Str("facility_id", fid)
			}
			evt.Msg("request")
			return nil
		}
	}
}
