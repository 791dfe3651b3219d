package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/handlers"
	"github.com/pipalerts/affiliate_engine/middleware"
)

func PayoutRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	payouts := api.Group("/admin/payouts", middleware.Protected(), middleware.AdminRequired())
	payouts.Post("/affiliates/:affiliateId", handlers.PayAffiliate)
	payouts.Post("/batch", handlers.PayBatch)
	payouts.Get("/batches/:batchId", handlers.GetBatch)
	payouts.Get("/transactions/:transactionId", handlers.GetTransactionStatus)
	payouts.Post("/reconcile", handlers.ReconcileStale)
}
