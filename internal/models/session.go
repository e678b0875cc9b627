package models

import (
	"time"
)

// WhatsAppSession stores the conversational state of one phone number.
// Rows are hard-deleted when a flow finishes, so the unique index on
// PhoneNumber never collides with a soft-deleted row.
type WhatsAppSession struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	PhoneNumber    string    `json:"phone_number" gorm:"size:32;uniqueIndex;not null"`
	AccountID      *string   `json:"account_id,omitempty" gorm:"size:64"`
	State          string    `json:"state" gorm:"type:text;not null"` // JSON encoded flow state
	Version        int64     `json:"version" gorm:"not null;default:1"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsExpired reports whether the session should be treated as absent at now.
func (s *WhatsAppSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AccountPhone links a WhatsApp number to an account of the CRM.
type AccountPhone struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"size:64;not null;index"`
	PhoneNumber string    `json:"phone_number" gorm:"size:32;uniqueIndex;not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// InboundReceipt records an inbound message that was already handled so a
// redelivery of the same message is ignored.
type InboundReceipt struct {
	Key         string    `json:"key" gorm:"column:receipt_key;primaryKey;size:128"`
	PhoneNumber string    `json:"phone_number" gorm:"size:32;index"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"index"`
}
