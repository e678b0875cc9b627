package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// scriptedOracle answers by operation (classify, extract, confirm).
type scriptedOracle struct {
	mu       sync.Mutex
	classify func(text string) (string, error)
	extract  func(text string) (string, error)
	confirm  func(text string) (string, error)
	calls    map[string][]string // operation -> user message
}

func (o *scriptedOracle) Complete(ctx context.Context, conversation []Message) (string, error) {
	op := operationFrom(ctx)
	user := ""
	if len(conversation) > 0 {
		user = conversation[len(conversation)-1].Content
	}

	o.mu.Lock()
	if o.calls == nil {
		o.calls = make(map[string][]string)
	}
	o.calls[op] = append(o.calls[op], user)
	o.mu.Unlock()

	var fn func(string) (string, error)
	switch op {
	case "classify":
		fn = o.classify
	case "extract":
		fn = o.extract
	case "confirm":
		fn = o.confirm
	}
	if fn == nil {
		return "", fmt.Errorf("%w: no script for %s", ErrOracleUnavailable, op)
	}
	return fn(user)
}

func (o *scriptedOracle) callCount(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls[op])
}

func (o *scriptedOracle) lastCall(op string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	calls := o.calls[op]
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

func answer(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func unavailable(string) (string, error) {
	return "", fmt.Errorf("%w: connection refused", ErrOracleUnavailable)
}

type sentMessage struct {
	to   string
	text string
}

// fakeDispatcher records outbound messages.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (d *fakeDispatcher) SendText(ctx context.Context, to, text string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, sentMessage{to: to, text: text})
	return fmt.Sprintf("SM%03d", len(d.sent)), nil
}

func (d *fakeDispatcher) messages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

// flakyStore wraps a MemoryStore with switchable failures.
type flakyStore struct {
	*storage.MemoryStore

	mu               sync.Mutex
	failCreate       bool
	creates          int
	conflictsToForce int
	receipts         []models.InboundReceipt
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *flakyStore) setFailCreate(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = fail
}

func (s *flakyStore) CreateDomainRecord(ctx context.Context, rec storage.DomainRecord) (string, error) {
	s.mu.Lock()
	s.creates++
	fail := s.failCreate
	s.mu.Unlock()
	if fail {
		return "", errors.New("connection reset by peer")
	}
	return s.MemoryStore.CreateDomainRecord(ctx, rec)
}

func (s *flakyStore) UpsertSession(ctx context.Context, session *models.WhatsAppSession, expectedVersion int64) error {
	s.mu.Lock()
	force := s.conflictsToForce > 0
	if force {
		s.conflictsToForce--
	}
	s.mu.Unlock()
	if force {
		return storage.ErrVersionConflict
	}
	return s.MemoryStore.UpsertSession(ctx, session, expectedVersion)
}

func (s *flakyStore) MarkInboundProcessed(ctx context.Context, receipt *models.InboundReceipt) (bool, error) {
	s.mu.Lock()
	s.receipts = append(s.receipts, *receipt)
	s.mu.Unlock()
	return s.MemoryStore.MarkInboundProcessed(ctx, receipt)
}

func (s *flakyStore) storedReceipts() []models.InboundReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InboundReceipt(nil), s.receipts...)
}
