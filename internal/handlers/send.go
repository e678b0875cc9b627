package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
)

// SendHandler sends operator messages outside of a conversation turn.
type SendHandler struct {
	dispatcher services.Dispatcher
	log        *zap.Logger
}

func NewSendHandler(dispatcher services.Dispatcher, log *zap.Logger) *SendHandler {
	return &SendHandler{dispatcher: dispatcher, log: log}
}

type SendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// Send handles POST /send.
func (h *SendHandler) Send(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	number := models.NormalizePhone(req.Number)
	message := strings.TrimSpace(req.Message)
	if number == "" || message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "number and message are required",
		})
	}

	sid, err := h.dispatcher.SendText(c.UserContext(), number, message)
	if err != nil {
		h.log.Error("manual send failed", logging.Phone("to", number), zap.Error(err))
		status := fiber.StatusBadGateway
		if !errors.Is(err, services.ErrTransport) {
			status = fiber.StatusInternalServerError
		}
		return c.Status(status).JSON(fiber.Map{
			"error": "Failed to send message",
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"message_id": sid,
	})
}
