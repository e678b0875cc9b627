package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// DefaultSessionTTL is the sliding expiry of a conversation.
const DefaultSessionTTL = 15 * time.Minute

// Session is the decoded form of a stored session.
type Session struct {
	ID             uint
	PhoneNumber    string
	AccountID      *string
	State          FlowState
	Version        int64
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// SessionStore keeps per-phone conversational state with a sliding TTL.
type SessionStore struct {
	store      storage.Store
	sessionTTL time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewSessionStore creates a session store. ttl <= 0 uses DefaultSessionTTL;
// timeout bounds every persistence call.
func NewSessionStore(store storage.Store, ttl, timeout time.Duration, log *zap.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionStore{
		store:      store,
		sessionTTL: ttl,
		timeout:    timeout,
		now:        time.Now,
		log:        log,
	}
}

// TTL returns the sliding expiry window.
func (s *SessionStore) TTL() time.Duration {
	return s.sessionTTL
}

// Get returns the live session for phone, or nil when there is none, it has
// expired, or the lookup failed. Lookup failures are logged, not returned.
// A live row with unreadable state comes back idle.
func (s *SessionStore) Get(ctx context.Context, phone string) *Session {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.store.GetSession(ctx, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Warn("session lookup failed", logging.Phone("phone", phone), zap.Error(err))
		return nil
	}
	if row.IsExpired(s.now()) {
		return nil
	}

	state, err := DecodeState(row.State)
	if err != nil {
		// Unreadable state reads as idle at the row's version, so the next
		// save overwrites it.
		s.log.Warn("discarding undecodable session state", logging.Phone("phone", phone), zap.Error(err))
		state = Idle()
	}

	return &Session{
		ID:             row.ID,
		PhoneNumber:    row.PhoneNumber,
		AccountID:      row.AccountID,
		State:          state,
		Version:        row.Version,
		LastActivityAt: row.LastActivityAt,
		ExpiresAt:      row.ExpiresAt,
	}
}

// Save replaces the session state of phone and slides its expiry to
// now + TTL. expectedVersion is the version returned by Get (0 when Get
// returned nil); a stale version fails with storage.ErrVersionConflict.
func (s *SessionStore) Save(ctx context.Context, phone string, accountID *string, state FlowState, expectedVersion int64) (*Session, error) {
	encoded, err := EncodeState(state)
	if err != nil {
		return nil, err
	}

	now := s.now()
	row := &models.WhatsAppSession{
		PhoneNumber:    phone,
		AccountID:      accountID,
		State:          encoded,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.sessionTTL),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.UpsertSession(ctx, row, expectedVersion); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: save session: %w", ErrPersistence, err)
	}

	return &Session{
		ID:             row.ID,
		PhoneNumber:    phone,
		AccountID:      accountID,
		State:          state,
		Version:        row.Version,
		LastActivityAt: row.LastActivityAt,
		ExpiresAt:      row.ExpiresAt,
	}, nil
}

// Clear deletes the session if it is still at expectedVersion.
func (s *SessionStore) Clear(ctx context.Context, phone string, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.store.DeleteSession(ctx, phone, expectedVersion)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("%w: clear session: %w", ErrPersistence, err)
	}
}

// ActiveCount returns the number of sessions that have not expired.
func (s *SessionStore) ActiveCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.CountActiveSessions(ctx, s.now())
}
