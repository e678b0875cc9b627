package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a session write was based on a
	// stale version. The caller must reload the session and redo its merge.
	ErrVersionConflict = errors.New("storage: session version conflict")

	// ErrUnknownRecordKind is returned by CreateDomainRecord for kinds the
	// store cannot persist.
	ErrUnknownRecordKind = errors.New("storage: unknown record kind")
)

// DomainRecord describes a business record created at the end of an intake flow.
type DomainRecord struct {
	Kind      string // models.RecordKind*
	FlowID    string
	AccountID *string
	Fields    map[string]string
}

// PurgeResult reports how many rows a purge removed.
type PurgeResult struct {
	Sessions int64
	Receipts int64
}

// Store is the persistence provider used by the intake pipeline. Every call
// is independent: no two calls share a transaction.
type Store interface {
	// Session operations
	GetSession(ctx context.Context, phone string) (*models.WhatsAppSession, error)
	// UpsertSession writes session keyed by its phone number. expectedVersion is
	// the version the caller read (0 when it saw no live session). On success
	// session.ID and session.Version reflect the stored row.
	UpsertSession(ctx context.Context, session *models.WhatsAppSession, expectedVersion int64) error
	DeleteSession(ctx context.Context, phone string, expectedVersion int64) error
	CountActiveSessions(ctx context.Context, now time.Time) (int64, error)

	// Account operations
	LookupAccountID(ctx context.Context, phone string) (*string, error)
	LinkAccountPhone(ctx context.Context, accountID, phone string) error

	// Domain record operations. Creation is idempotent per FlowID: a second
	// call with the same FlowID returns the first record's id.
	CreateDomainRecord(ctx context.Context, rec DomainRecord) (string, error)

	// Message log operations
	AppendLogEntry(ctx context.Context, entry *models.MessageLog) error
	ListLogEntries(ctx context.Context, phone string, limit int) ([]*models.MessageLog, error)

	// MarkInboundProcessed stores the receipt and reports whether it was new.
	// An expired receipt with the same key is replaced.
	MarkInboundProcessed(ctx context.Context, receipt *models.InboundReceipt) (bool, error)

	// Maintenance
	PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error)
	Ping(ctx context.Context) error
}
