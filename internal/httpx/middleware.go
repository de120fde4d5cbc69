// Package httpx adapts the teacher's common/net/http fiber middleware and
// handler idioms for cmd/admin's HTTP introspection surface.
package httpx

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"

	"github.com/stonegate/slgcore/internal/mlog"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerUserAgent     = "User-Agent"
)

const (
	defaultAccessControlAllowOrigin  = "*"
	defaultAccessControlAllowMethods = "GET, OPTIONS"
	defaultAccessControlAllowHeaders = "Accept, Content-Type, X-Correlation-ID"
)

// WithCORS enables CORS on the admin surface, which is read-only so the
// method list is deliberately narrower than a write-capable API's.
func WithCORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: defaultAccessControlAllowOrigin,
		AllowMethods: defaultAccessControlAllowMethods,
		AllowHeaders: defaultAccessControlAllowHeaders,
	})
}

// WithCorrelationID stamps every request with a correlation id, generating
// one when the caller didn't send one, so WithLogging always has something
// to tag its access-log line with.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cid := c.Get(headerCorrelationID)
		if cid == "" {
			cid = uuid.New().String()
			c.Request().Header.Set(headerCorrelationID, cid)
		}

		c.Set(headerCorrelationID, cid)

		return c.Next()
	}
}

// WithLogging logs one access-log line per request in a Common Log Format
// shape, skipping the liveness probe paths to avoid drowning real traffic
// in health-check noise.
func WithLogging(logger mlog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/healthz" || c.Path() == "/readyz" {
			return c.Next()
		}

		start := time.Now()
		correlationID := c.Get(headerCorrelationID)

		err := c.Next()

		fields := logger.WithFields(headerCorrelationID, correlationID)
		fields.Infof("%s %s \"%s\" %d %s %s",
			c.IP(), c.Method(), c.OriginalURL(), c.Response().StatusCode(),
			time.Since(start), c.Get(headerUserAgent))

		return err
	}
}
