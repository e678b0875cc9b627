package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore implements Store on top of gorm. It expects a *gorm.DB opened
// with TranslateError enabled so unique violations surface as gorm.ErrDuplicatedKey.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a store backed by db
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// DB exposes the underlying connection (health checks, migrations).
func (s *DatabaseStore) DB() *gorm.DB {
	return s.db
}

// Session operations
func (s *DatabaseStore) GetSession(ctx context.Context, phone string) (*models.WhatsAppSession, error) {
	var session models.WhatsAppSession
	err := s.db.WithContext(ctx).Where("phone_number = ?", phone).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *DatabaseStore) UpsertSession(ctx context.Context, session *models.WhatsAppSession, expectedVersion int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.WhatsAppSession
		err := tx.Where("phone_number = ?", session.PhoneNumber).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if expectedVersion != 0 {
				return ErrVersionConflict
			}
			session.ID = 0
			session.Version = 1
			return tx.Create(session).Error
		}
		if err != nil {
			return err
		}

		if !versionMatches(&existing, expectedVersion, session.LastActivityAt) {
			return ErrVersionConflict
		}

		// The version predicate makes the write conditional even when two
		// processes race past the read above.
		result := tx.Model(&models.WhatsAppSession{}).
			Where("id = ? AND version = ?", existing.ID, existing.Version).
			Updates(map[string]interface{}{
				"account_id":       session.AccountID,
				"state":            session.State,
				"version":          existing.Version + 1,
				"last_activity_at": session.LastActivityAt,
				"expires_at":       session.ExpiresAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVersionConflict
		}

		session.ID = existing.ID
		session.Version = existing.Version + 1
		session.CreatedAt = existing.CreatedAt
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrVersionConflict
	default:
		return fmt.Errorf("upsert session: %w", err)
	}
}

func (s *DatabaseStore) DeleteSession(ctx context.Context, phone string, expectedVersion int64) error {
	result := s.db.WithContext(ctx).
		Where("phone_number = ? AND version = ?", phone, expectedVersion).
		Delete(&models.WhatsAppSession{})
	if result.Error != nil {
		return fmt.Errorf("delete session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSession(ctx, phone); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *DatabaseStore) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.WhatsAppSession{}).
		Where("expires_at > ?", now).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// Account operations
func (s *DatabaseStore) LookupAccountID(ctx context.Context, phone string) (*string, error) {
	var link models.AccountPhone
	err := s.db.WithContext(ctx).Where("phone_number = ?", phone).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return &link.AccountID, nil
}

func (s *DatabaseStore) LinkAccountPhone(ctx context.Context, accountID, phone string) error {
	link := models.AccountPhone{AccountID: accountID, PhoneNumber: phone}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id"}),
	}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("link account phone: %w", err)
	}
	return nil
}

// Domain record operations
func (s *DatabaseStore) CreateDomainRecord(ctx context.Context, rec DomainRecord) (string, error) {
	if rec.FlowID != "" {
		if id, err := s.findRecordByFlow(ctx, rec.Kind, rec.FlowID); err == nil {
			return id, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	record, err := buildRecord(rec)
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && rec.FlowID != "" {
		// Another attempt for the same flow won the insert.
		return s.findRecordByFlow(ctx, rec.Kind, rec.FlowID)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", rec.Kind, err)
	}
	return recordID(record), nil
}

func (s *DatabaseStore) findRecordByFlow(ctx context.Context, kind, flowID string) (string, error) {
	record, err := buildRecord(DomainRecord{Kind: kind})
	if err != nil {
		return "", err
	}
	err = s.db.WithContext(ctx).Where("flow_id = ?", flowID).First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find %s by flow: %w", kind, err)
	}
	return recordID(record), nil
}

// Message log operations
func (s *DatabaseStore) AppendLogEntry(ctx context.Context, entry *models.MessageLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (s *DatabaseStore) ListLogEntries(ctx context.Context, phone string, limit int) ([]*models.MessageLog, error) {
	q := s.db.WithContext(ctx).Model(&models.MessageLog{})
	if phone != "" {
		q = q.Where("phone_number = ?", phone)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	// Newest N first, then flipped so callers read oldest first.
	var entries []*models.MessageLog
	if err := q.Order("id DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Inbound dedupe
func (s *DatabaseStore) MarkInboundProcessed(ctx context.Context, receipt *models.InboundReceipt) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Expired receipts for the key no longer count.
		if err := tx.Where("receipt_key = ? AND expires_at <= ?", receipt.Key, receipt.CreatedAt).
			Delete(&models.InboundReceipt{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark inbound processed: %w", err)
	}
	return created, nil
}

// Maintenance
func (s *DatabaseStore) PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error) {
	var result PurgeResult

	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.WhatsAppSession{})
	if res.Error != nil {
		return result, fmt.Errorf("purge sessions: %w", res.Error)
	}
	result.Sessions = res.RowsAffected

	res = s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.InboundReceipt{})
	if res.Error != nil {
		return result, fmt.Errorf("purge receipts: %w", res.Error)
	}
	result.Receipts = res.RowsAffected

	return result, nil
}

func (s *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
