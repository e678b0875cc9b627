package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageLog is one WhatsApp message, in or out. Entries are append-only.
type MessageLog struct {
	ID          string    `json:"id" gorm:"primaryKey;size:26"`
	SessionID   *uint     `json:"session_id,omitempty" gorm:"index"`
	PhoneNumber string    `json:"phone_number" gorm:"size:32;index;not null"`
	Direction   string    `json:"direction" gorm:"size:8;not null"`
	Text        string    `json:"text" gorm:"type:text"`
	Intent      *string   `json:"intent,omitempty" gorm:"size:32"`
	Entities    *string   `json:"entities,omitempty" gorm:"type:text"` // JSON object
	ExternalID  string    `json:"external_id,omitempty" gorm:"size:64"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

// BeforeCreate assigns a time-sortable ID
func (m *MessageLog) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = NewLogID(m.CreatedAt)
	}
	return nil
}

// NewLogID returns a ULID for a log entry created at t.
func NewLogID(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
