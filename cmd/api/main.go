package main

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/database"
	"github.com/pipalerts/affiliate_engine/handlers"
	"github.com/pipalerts/affiliate_engine/jobs"
	"github.com/pipalerts/affiliate_engine/notifications"
	"github.com/pipalerts/affiliate_engine/payments"
	"github.com/pipalerts/affiliate_engine/routes"
	"github.com/pipalerts/affiliate_engine/services"
	"github.com/pipalerts/affiliate_engine/websocket"
	"github.com/robfig/cron/v3"
)

func main() {
	database.ConnectDB()
	database.Migrate()
	database.SeedAdmin()

	verifier, err := payments.NewWebhookVerifier(config.PayoutWebhookSecret())
	if err != nil {
		log.Fatalf("🔥 Webhook verifier misconfigured: %v", err)
	}

	provider, err := payments.NewProvider(config.PayoutProviderName(), verifier)
	if err != nil {
		log.Fatalf("🔥 Payout provider misconfigured: %v", err)
	}
	log.Printf("✅ Payout provider ready: %s", provider.Name())

	// NewBrevoNotifier returns a nil *BrevoService when no API key is set;
	// assigning that to the interface would make every nil check pass.
	var notifier notifications.Notifier
	if brevo := notifications.NewBrevoNotifier(); brevo != nil {
		notifier = brevo
	}

	fx := services.NewCurrencyService()
	codeService := services.NewCodeService(database.DB)
	disbursementService := services.NewDisbursementService(database.DB, provider, verifier, websocket.EventFeed{}, notifier, fx)
	statementService := services.NewStatementService(database.DB)
	handlers.Setup(codeService, disbursementService, statementService)

	c := cron.New()
	c.AddFunc("0 0 1 * *", func() { jobs.DistributeMonthlyCodes(codeService) })
	c.AddFunc("30 0 * * *", func() { jobs.ExpireLapsedCodes(codeService) })
	c.AddFunc("*/10 * * * *", func() { jobs.ReconcileOpenPayouts(disbursementService) })
	c.AddFunc("0 6 1 * *", func() { jobs.GenerateMonthlyStatements(statementService, codeService) })
	go c.Start()
	log.Println("✅ Cron jobs scheduled successfully.")

	app := fiber.New(fiber.Config{
		Prefork:       false,
		AppName:       "Affiliate Engine",
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Printf("[ERROR] %v | Path: %s | Method: %s", err, c.Path(), c.Method())
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Service-API-Key, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "success",
			"message": "Welcome to the Affiliate Engine API",
		})
	})

	routes.PublicRoutes(app)
	routes.AuthRoutes(app)
	routes.AdminRoutes(app)
	routes.PayoutRoutes(app)
	routes.InternalRoutes(app)
	routes.WebhookRoutes(app)
	routes.FeedRoutes(app)

	go websocket.RunHub()

	log.Println("✅ Server is running on port 8080")
	if err := app.Listen(":8080"); err != nil {
		log.Fatalf("🔥 Server failed to start: %v", err)
	}
}
