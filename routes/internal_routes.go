package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/handlers"
	"github.com/pipalerts/affiliate_engine/middleware"
)

// InternalRoutes are service-to-service endpoints called by the billing
// system, authenticated with a shared API key instead of a user JWT.
func InternalRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	internal := api.Group("/internal", middleware.ServiceKeyRequired())
	internal.Post("/codes/redeem", handlers.RedeemCode)
}
