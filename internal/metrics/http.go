package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status class",
		},
		[]string{"method", "route", "status_class"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	apiInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "API requests currently being served",
		},
	)

	apiRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rejected_total",
			Help:      "API requests refused with an auth or throttling status",
		},
		[]string{"status_code"},
	)
)

// refusals are the status codes counted by apiRejectedTotal.
var refusals = map[int]bool{
	http.StatusUnauthorized:          true,
	http.StatusForbidden:             true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusTooManyRequests:       true,
}

// unroutedPaths are probe endpoints kept out of the route histogram.
var unroutedPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// HTTPMetrics instruments the payroll API.
type HTTPMetrics struct{}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{}
}

func (hm *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if hm == nil || unroutedPaths[route] {
				return next(c)
			}

			apiInFlight.Inc()
			start := time.Now()
			err := next(c)
			apiInFlight.Dec()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			if route == "" {
				route = "unmatched"
			}
			if refusals[status] {
				apiRejectedTotal.WithLabelValues(strconv.Itoa(status)).Inc()
			}

			method := c.Request().Method
			apiRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
			apiRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}
