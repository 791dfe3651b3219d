package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports readiness of the engine's dependencies. Degraded
// checks flip the status code so load balancers stop routing here.
func HealthCheck(c *fiber.Ctx) error {
	report := disbursementService.Health()
	status := fiber.StatusOK
	if !report.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}
