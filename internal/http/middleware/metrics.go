package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/linkedge/internal/infra/metrics"
)

// Metrics records request counts, latency and in-flight requests by route
// pattern, so short codes never become label values.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		metrics.HTTPInflightRequests.Inc()
		start := time.Now()

		err := c.Next()

		metrics.HTTPInflightRequests.Dec()
		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}
		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
