package models

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record kinds, used in events and metrics
const (
	RecordKindClient      = "client"
	RecordKindAppointment = "appointment"
	RecordKindProject     = "project"
)

// Client is a customer of the business, registered through the CRM or the bot.
type Client struct {
	gorm.Model

	RecordID  string  `json:"record_id" gorm:"size:36;uniqueIndex"`
	FlowID    *string `json:"flow_id,omitempty" gorm:"size:36;uniqueIndex"` // set when created by the bot
	AccountID *string `json:"account_id,omitempty" gorm:"size:64;index"`
	Nome      string  `json:"nome" gorm:"not null"`
	Email     string  `json:"email" gorm:"index"`
	Telefone  string  `json:"telefone"`
	Documento string  `json:"documento"` // CPF or CNPJ
	Endereco  string  `json:"endereco"`
	Origem    string  `json:"origem" gorm:"size:16;default:'whatsapp'"`
}

// BeforeCreate assigns the public record id and normalizes contact data
func (c *Client) BeforeCreate(tx *gorm.DB) error {
	if c.RecordID == "" {
		c.RecordID = uuid.New().String()
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Telefone = NormalizePhone(c.Telefone)
	c.Documento = digitsOnly(c.Documento)
	return nil
}

// NormalizePhone strips formatting and the whatsapp: prefix from a phone number.
// A leading + is kept.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:"))
	plus := strings.HasPrefix(phone, "+")
	phone = digitsOnly(phone)
	if plus && phone != "" {
		return "+" + phone
	}
	return phone
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
