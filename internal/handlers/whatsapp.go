package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
)

// WhatsAppHandler handles WhatsApp webhook requests
type WhatsAppHandler struct {
	service *services.WhatsAppService
	log     *zap.Logger
}

// NewWhatsAppHandler creates a new WhatsApp handler
func NewWhatsAppHandler(service *services.WhatsAppService, log *zap.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{service: service, log: log}
}

// TwilioWebhookPayload represents incoming WhatsApp message from Twilio
type TwilioWebhookPayload struct {
	MessageSid  string `form:"MessageSid"`
	AccountSid  string `form:"AccountSid"`
	From        string `form:"From"` // whatsapp:+5511999999999
	To          string `form:"To"`   // our Twilio number
	Body        string `form:"Body"`
	NumMedia    string `form:"NumMedia"`
	ProfileName string `form:"ProfileName"`
	SmsStatus   string `form:"SmsStatus"`
}

// HandleWebhook acknowledges the delivery right away and runs the turn in
// the background, so Twilio never waits on the completion service.
func (h *WhatsAppHandler) HandleWebhook(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		h.log.Warn("invalid webhook payload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	// Status callbacks and media-only messages carry no text.
	if payload.From == "" || payload.Body == "" {
		return c.SendStatus(fiber.StatusOK)
	}

	// Parsed values point into fasthttp's buffer, which is reused after return.
	msg := services.InboundMessage{
		MessageID:  utils.CopyString(payload.MessageSid),
		SenderID:   utils.CopyString(payload.From),
		Text:       utils.CopyString(payload.Body),
		ReceivedAt: time.Now(),
	}
	h.log.Debug("whatsapp message received",
		logging.Phone("from", msg.SenderID),
		zap.String("message_id", msg.MessageID))

	h.service.Go(msg)
	return c.SendStatus(fiber.StatusOK)
}

// TestWebhookPayload is the body of /test/whatsapp.
type TestWebhookPayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// HandleTestWebhook runs a turn synchronously and returns what it did.
func (h *WhatsAppHandler) HandleTestWebhook(c *fiber.Ctx) error {
	var payload TestWebhookPayload
	if err := c.BodyParser(&payload); err != nil || payload.From == "" || payload.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid test payload",
		})
	}

	result, err := h.service.HandleInbound(c.UserContext(), services.InboundMessage{
		SenderID:   payload.From,
		Text:       payload.Message,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		h.log.Error("test turn failed", logging.Phone("from", payload.From), zap.Error(err))
	}

	resp := fiber.Map{
		"success":   err == nil,
		"replies":   result.Replies,
		"state":     result.State,
		"duplicate": result.Duplicate,
	}
	if result.Intent != "" {
		resp["intent"] = result.Intent
	}
	if len(result.Entities) > 0 {
		resp["entities"] = result.Entities
	}
	if result.RecordID != "" {
		resp["record_id"] = result.RecordID
	}
	return c.JSON(resp)
}
