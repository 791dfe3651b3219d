package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/handlers"
	"github.com/pipalerts/affiliate_engine/middleware"
)

func AuthRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	auth := api.Group("/auth")
	auth.Post("/login", handlers.LoginUser)
	// Operator accounts are provisioned by admins, never self-registered.
	auth.Post("/register", middleware.Protected(), middleware.AdminRequired(), handlers.RegisterOperator)
}
