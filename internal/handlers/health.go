package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

const healthTimeout = 2 * time.Second

// HealthHandler handles health check requests
type HealthHandler struct {
	Version    string
	store      storage.Store
	sessions   *services.SessionStore
	dispatcher *services.TwilioService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, store storage.Store, sessions *services.SessionStore, dispatcher *services.TwilioService) *HealthHandler {
	return &HealthHandler{
		Version:    version,
		store:      store,
		sessions:   sessions,
		dispatcher: dispatcher,
	}
}

// Check reports the service status. It answers 503 while the database is down.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status := fiber.StatusOK
	database := "ok"
	if err := h.store.Ping(ctx); err != nil {
		status = fiber.StatusServiceUnavailable
		database = "unavailable"
	}

	resp := fiber.Map{
		"status":   "healthy",
		"service":  "CRM Intake Bot",
		"version":  h.Version,
		"database": database,
		"twilio":   h.dispatcher != nil && h.dispatcher.Configured(),
	}
	if status != fiber.StatusOK {
		resp["status"] = "degraded"
	}
	if active, err := h.sessions.ActiveCount(ctx); err == nil {
		resp["active_sessions"] = active
	}
	return c.Status(status).JSON(resp)
}

// Root lists the public endpoints.
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "CRM Intake Bot",
		"version": h.Version,
		"endpoints": fiber.Map{
			"health":        "/health",
			"metrics":       "/metrics",
			"send":          "/send",
			"webhook":       "/webhook/whatsapp",
			"test_whatsapp": "/test/whatsapp",
			"admin":         "/admin",
		},
	})
}
