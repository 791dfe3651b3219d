package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/handlers"
	"github.com/pipalerts/affiliate_engine/middleware"
)

func AdminRoutes(app *fiber.App) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(), middleware.AdminRequired())

	affiliates := admin.Group("/affiliates")
	affiliates.Post("", handlers.CreateAffiliate)
	affiliates.Get("", handlers.ListAffiliates)
	affiliates.Get("/:affiliateId", handlers.GetAffiliate)
	affiliates.Post("/:affiliateId/suspend", handlers.SuspendAffiliate)
	affiliates.Post("/:affiliateId/activate", handlers.ActivateAffiliate)
	affiliates.Put("/:affiliateId/payout-profile", handlers.UpdatePayoutProfile)

	affiliates.Post("/:affiliateId/codes", handlers.DistributeCodes)
	affiliates.Get("/:affiliateId/codes", handlers.ListAffiliateCodes)
	affiliates.Get("/:affiliateId/commissions", handlers.ListCommissions)

	affiliates.Post("/:affiliateId/statements", handlers.GenerateStatement)
	affiliates.Get("/:affiliateId/statements", handlers.ListStatements)
	affiliates.Get("/:affiliateId/statements/preview", handlers.PreviewStatement)

	codes := admin.Group("/codes")
	codes.Post("/expire-due", handlers.ExpireDueCodes)
	codes.Post("/:code/cancel", handlers.CancelCode)

	commissions := admin.Group("/commissions")
	commissions.Post("/:commissionId/approve", handlers.ApproveCommission)
}
