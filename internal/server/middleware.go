package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/metrics"
)

const headerRequestID = "X-Request-ID"

// requestLogger tags each request with an id, puts a request-scoped logger in
// its context and records the outcome.
func requestLogger(log zerolog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			req := c.Request()

			id := req.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, id)

			reqLog := log.With().Str("request_id", id).Logger()
			c.SetRequest(req.WithContext(reqLog.WithContext(req.Context())))

			err := next(c)

			status := http.StatusOK
			if err != nil {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			elapsed := time.Since(start)
			route := routeLabel(req.URL.Path)
			m.RecordHTTPRequest(route, strconv.Itoa(status), elapsed)

			ev := reqLog.Info()
			if status >= http.StatusInternalServerError {
				ev = reqLog.Warn()
			}
			ev.Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("duration_ms", elapsed.Milliseconds()).
				Msg("request")
			return err
		}
	}
}

// routeLabel keeps the metrics label set bounded.
func routeLabel(path string) string {
	switch path {
	case "/chat", "/healthz":
		return path
	default:
		return "other"
	}
}
