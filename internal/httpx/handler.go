package httpx

import (
	"github.com/gofiber/fiber/v2"
)

// Welcome returns HTTP 200 with service identification, the fiber
// equivalent of the teacher's common/net/http.Welcome.
func Welcome(service, description string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":     service,
			"description": description,
		})
	}
}

// Healthz always reports the process itself is up; readiness (dependency
// reachability) is a separate check since a process can be alive but
// unable to serve traffic.
func Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "UP"})
}
