package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/handlers"
	"github.com/Ananth-NQI/crm-intake-bot/internal/middleware"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// Deps are what the routes need from the running process.
type Deps struct {
	Config   *config.Config
	Version  string
	Store    storage.Store
	Sessions *services.SessionStore
	WhatsApp *services.WhatsAppService
	Twilio   *services.TwilioService
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, d Deps) {
	log := d.Logger
	health := handlers.NewHealthHandler(d.Version, d.Store, d.Sessions, d.Twilio)
	whatsapp := handlers.NewWhatsAppHandler(d.WhatsApp, log)

	app.Get("/", health.Root)
	app.Get("/health", health.Check)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")

	if d.Config.Environment == "development" || d.Config.Server.DisableWebhookValidation {
		// Development: skip validation for ngrok
		webhooks.Post("/whatsapp", whatsapp.HandleWebhook)
		log.Warn("whatsapp webhook signature validation disabled")
	} else {
		webhooks.Post("/whatsapp",
			middleware.ValidateTwilioSignature(d.Config.Twilio.AuthToken, d.Config.Server.PublicURL, log),
			whatsapp.HandleWebhook)
	}

	// ========== TEST ROUTES (Development Only) ==========
	if !d.Config.IsProduction() {
		app.Post("/test/whatsapp", whatsapp.HandleTestWebhook)
	}

	// ========== ADMIN ROUTES ==========
	// /send and /admin need the admin token; without one they are not mounted.
	if d.Config.Server.AdminToken == "" {
		log.Info("admin routes disabled, ADMIN_TOKEN not set")
		return
	}
	requireAdmin := middleware.RequireAdminToken(d.Config.Server.AdminToken)

	send := handlers.NewSendHandler(d.Twilio, log)
	app.Post("/send", requireAdmin, send.Send)

	admin := handlers.NewAdminHandler(d.Store, log)
	group := app.Group("/admin", requireAdmin)
	group.Get("/messages", admin.ListMessages)
	group.Post("/accounts", admin.LinkAccount)
}
