package logging

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// OwnerHeader carries the caller's opaque owner identity.
const OwnerHeader = "X-Owner-Address"

var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

func LoggerMiddleware(logger *logrus.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			if quietPaths[c.Path()] {
				return nil
			}

			latency := time.Since(start)
			fields := logrus.Fields{
				"remote_ip":  c.RealIP(),
				"method":     req.Method,
				"route":      c.Path(),
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": latency.Milliseconds(),
				"bytes_out":  res.Size,
			}
			if owner := req.Header.Get(OwnerHeader); owner != "" {
				fields["owner"] = owner
			}

			entry := logger.WithFields(fields)
			if res.Status >= 500 {
				entry.Error("HTTP request")
			} else {
				entry.Info("HTTP request")
			}

			return nil
		}
	}
}
