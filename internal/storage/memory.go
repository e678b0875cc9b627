package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
)

// MemoryStore holds all data in memory. Used for local testing and by
// USE_MEMORY_STORE=true; nothing survives a restart.
type MemoryStore struct {
	sessions map[string]*models.WhatsAppSession // key: phone
	accounts map[string]string                  // phone -> account id
	records  map[string]interface{}             // flow id -> record
	logs     []*models.MessageLog
	receipts map[string]*models.InboundReceipt

	// Mutexes for thread safety
	sessionMu sync.RWMutex
	accountMu sync.RWMutex
	recordMu  sync.Mutex
	logMu     sync.RWMutex
	receiptMu sync.Mutex

	// Counter for session ID generation
	sessionCounter uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.WhatsAppSession),
		accounts: make(map[string]string),
		records:  make(map[string]interface{}),
		receipts: make(map[string]*models.InboundReceipt),
	}
}

// Session operations
func (m *MemoryStore) GetSession(ctx context.Context, phone string) (*models.WhatsAppSession, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	session, exists := m.sessions[phone]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) UpsertSession(ctx context.Context, session *models.WhatsAppSession, expectedVersion int64) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	existing, exists := m.sessions[session.PhoneNumber]
	if !exists {
		if expectedVersion != 0 {
			return ErrVersionConflict
		}
		m.sessionCounter++
		now := time.Now()
		stored := *session
		stored.ID = m.sessionCounter
		stored.Version = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		m.sessions[session.PhoneNumber] = &stored

		session.ID = stored.ID
		session.Version = stored.Version
		session.CreatedAt = now
		session.UpdatedAt = now
		return nil
	}

	if !versionMatches(existing, expectedVersion, session.LastActivityAt) {
		return ErrVersionConflict
	}

	stored := *session
	stored.ID = existing.ID
	stored.Version = existing.Version + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.sessions[session.PhoneNumber] = &stored

	session.ID = stored.ID
	session.Version = stored.Version
	session.CreatedAt = stored.CreatedAt
	session.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, phone string, expectedVersion int64) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	existing, exists := m.sessions[phone]
	if !exists {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.sessions, phone)
	return nil
}

func (m *MemoryStore) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var count int64
	for _, session := range m.sessions {
		if !session.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

// Account operations
func (m *MemoryStore) LookupAccountID(ctx context.Context, phone string) (*string, error) {
	m.accountMu.RLock()
	defer m.accountMu.RUnlock()

	accountID, exists := m.accounts[phone]
	if !exists {
		return nil, ErrNotFound
	}
	return &accountID, nil
}

func (m *MemoryStore) LinkAccountPhone(ctx context.Context, accountID, phone string) error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	m.accounts[phone] = accountID
	return nil
}

// Domain record operations
func (m *MemoryStore) CreateDomainRecord(ctx context.Context, rec DomainRecord) (string, error) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	if rec.FlowID != "" {
		if existing, ok := m.records[rec.FlowID]; ok {
			return recordID(existing), nil
		}
	}

	record, err := buildRecord(rec)
	if err != nil {
		return "", err
	}
	// Run the same hook gorm would run on insert.
	if hook, ok := record.(beforeCreator); ok {
		if err := hook.BeforeCreate(nil); err != nil {
			return "", err
		}
	}

	key := rec.FlowID
	if key == "" {
		key = recordID(record)
	}
	m.records[key] = record
	return recordID(record), nil
}

// Records returns every domain record created so far.
func (m *MemoryStore) Records() []interface{} {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	out := make([]interface{}, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

// Message log operations
func (m *MemoryStore) AppendLogEntry(ctx context.Context, entry *models.MessageLog) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ID == "" {
		entry.ID = models.NewLogID(entry.CreatedAt)
	}
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) ListLogEntries(ctx context.Context, phone string, limit int) ([]*models.MessageLog, error) {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	var entries []*models.MessageLog
	for _, entry := range m.logs {
		if phone != "" && entry.PhoneNumber != phone {
			continue
		}
		cp := *entry
		entries = append(entries, &cp)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Inbound dedupe
func (m *MemoryStore) MarkInboundProcessed(ctx context.Context, receipt *models.InboundReceipt) (bool, error) {
	m.receiptMu.Lock()
	defer m.receiptMu.Unlock()

	if existing, ok := m.receipts[receipt.Key]; ok && receipt.CreatedAt.Before(existing.ExpiresAt) {
		return false, nil
	}
	cp := *receipt
	m.receipts[receipt.Key] = &cp
	return true, nil
}

// Maintenance
func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error) {
	var result PurgeResult

	m.sessionMu.Lock()
	for phone, session := range m.sessions {
		if session.IsExpired(now) {
			delete(m.sessions, phone)
			result.Sessions++
		}
	}
	m.sessionMu.Unlock()

	m.receiptMu.Lock()
	for key, receipt := range m.receipts {
		if !now.Before(receipt.ExpiresAt) {
			delete(m.receipts, key)
			result.Receipts++
		}
	}
	m.receiptMu.Unlock()

	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// versionMatches reports whether a write based on expectedVersion may replace
// existing. An expired row is treated as absent, so a caller that saw no live
// session (version 0) may overwrite it.
func versionMatches(existing *models.WhatsAppSession, expectedVersion int64, now time.Time) bool {
	if existing.Version == expectedVersion {
		return true
	}
	return expectedVersion == 0 && existing.IsExpired(now)
}
