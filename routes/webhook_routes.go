package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/handlers"
)

// WebhookRoutes are unauthenticated at the HTTP layer; the handler verifies
// the provider's HMAC signature over the raw body instead.
func WebhookRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	api.Post("/webhooks/payouts", handlers.PayoutWebhook)
}
