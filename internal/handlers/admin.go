package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// AdminHandler handles admin operations
type AdminHandler struct {
	store storage.Store
	log   *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(store storage.Store, log *zap.Logger) *AdminHandler {
	return &AdminHandler{store: store, log: log}
}

// ListMessages returns the message log, oldest first, optionally for one phone.
func (h *AdminHandler) ListMessages(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultLogLimit)
	if limit <= 0 || limit > maxLogLimit {
		limit = defaultLogLimit
	}
	phone := models.NormalizePhone(c.Query("phone"))

	entries, err := h.store.ListLogEntries(c.UserContext(), phone, limit)
	if err != nil {
		h.log.Error("list log entries failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch messages",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"messages": entries,
		"count":    len(entries),
	})
}

// LinkAccount associates a WhatsApp number with a CRM account.
func (h *AdminHandler) LinkAccount(c *fiber.Ctx) error {
	var req struct {
		AccountID string `json:"account_id"`
		Phone     string `json:"phone"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	accountID := strings.TrimSpace(req.AccountID)
	phone := models.NormalizePhone(req.Phone)
	if accountID == "" || phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and phone are required",
		})
	}

	if err := h.store.LinkAccountPhone(c.UserContext(), accountID, phone); err != nil {
		h.log.Error("link account failed", zap.String("account_id", accountID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to link account",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"account_id": accountID,
		"phone":      phone,
	})
}
