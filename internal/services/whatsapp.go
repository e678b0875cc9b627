package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/events"
	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// maxTurnAttempts bounds how often a turn is redone after a version conflict.
const maxTurnAttempts = 3

// InboundMessage is one message received from the transport.
type InboundMessage struct {
	MessageID  string // transport id (Twilio MessageSid), may be empty
	SenderID   string // whatsapp:+5511999999999
	ChatID     string // reply address, defaults to SenderID
	Text       string
	ReceivedAt time.Time
}

// TurnResult describes what a turn did.
type TurnResult struct {
	Duplicate bool
	Ignored   bool
	Intent    Intent
	State     StateKind
	Entities  map[string]string // accumulated for the active flow
	RecordID  string
	Replies   []string
}

// WhatsAppDeps are the collaborators of a WhatsAppService.
type WhatsAppDeps struct {
	Store      storage.Store
	Sessions   *SessionStore
	Classifier *IntentClassifier
	Extractor  *EntityExtractor
	Confirmer  *ConfirmationGenerator
	Dispatcher Dispatcher
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	DefaultAccountID string
	ReceiptTTL       time.Duration // how long a processed message id is remembered
	StoreTimeout     time.Duration
}

// WhatsAppService is the intake orchestrator: it runs one conversational
// turn per inbound message, moving the sender's session through
// idle -> collecting_entities -> complete -> idle.
type WhatsAppService struct {
	store      storage.Store
	sessions   *SessionStore
	classifier *IntentClassifier
	extractor  *EntityExtractor
	confirmer  *ConfirmationGenerator
	dispatcher Dispatcher
	publisher  events.Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger

	defaultAccountID string
	receiptTTL       time.Duration
	storeTimeout     time.Duration

	locks *KeyedMutex
	now   func() time.Time
	wg    sync.WaitGroup
}

func NewWhatsAppService(deps WhatsAppDeps) *WhatsAppService {
	w := &WhatsAppService{
		store:            deps.Store,
		sessions:         deps.Sessions,
		classifier:       deps.Classifier,
		extractor:        deps.Extractor,
		confirmer:        deps.Confirmer,
		dispatcher:       deps.Dispatcher,
		publisher:        deps.Publisher,
		metrics:          deps.Metrics,
		log:              deps.Logger,
		defaultAccountID: deps.DefaultAccountID,
		receiptTTL:       deps.ReceiptTTL,
		storeTimeout:     deps.StoreTimeout,
		locks:            NewKeyedMutex(),
		now:              time.Now,
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	if w.metrics == nil {
		w.metrics = metrics.New(prometheus.NewRegistry())
	}
	if w.publisher == nil {
		w.publisher = events.Nop{}
	}
	if w.sessions == nil {
		w.sessions = NewSessionStore(w.store, 0, w.storeTimeout, w.log)
	}
	if w.receiptTTL <= 0 {
		w.receiptTTL = 24 * time.Hour
	}
	if w.storeTimeout <= 0 {
		w.storeTimeout = 5 * time.Second
	}
	return w
}

// Go handles msg on its own goroutine. Use Wait to drain on shutdown.
func (w *WhatsAppService) Go(msg InboundMessage) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.metrics.InboundMessages.WithLabelValues("error").Inc()
				w.log.Error("panic while handling inbound message", zap.Any("panic", r))
			}
		}()
		if _, err := w.HandleInbound(context.Background(), msg); err != nil {
			w.log.Error("inbound message failed", logging.Phone("from", msg.SenderID), zap.Error(err))
		}
	}()
}

// Wait blocks until every turn started with Go has finished.
func (w *WhatsAppService) Wait() {
	w.wg.Wait()
}

// turn carries the working data of one HandleInbound call.
type turn struct {
	msg       InboundMessage
	phone     string
	accountID *string
	sessionID *uint
	found     map[string]string // extracted from this message
	result    *TurnResult
}

// HandleInbound runs one turn for msg. Turns for the same sender are
// serialized. Errors are handled here; the returned error only reports a turn
// that could not be completed at all (persistence down, repeated conflicts).
func (w *WhatsAppService) HandleInbound(ctx context.Context, msg InboundMessage) (*TurnResult, error) {
	phone := models.NormalizePhone(msg.SenderID)
	text := strings.TrimSpace(msg.Text)
	if phone == "" || text == "" {
		w.metrics.InboundMessages.WithLabelValues("ignored").Inc()
		return &TurnResult{Ignored: true, State: StateIdle}, nil
	}
	msg.Text = text
	if msg.ChatID == "" {
		msg.ChatID = msg.SenderID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = w.now()
	}

	unlock := w.locks.Lock(phone)
	defer unlock()

	t := &turn{msg: msg, phone: phone, result: &TurnResult{State: StateIdle}}

	session := w.sessions.Get(ctx, phone)
	if session != nil {
		t.accountID = session.AccountID
		t.sessionID = &session.ID
	}

	if duplicate := w.markProcessed(ctx, msg, phone, session); duplicate {
		w.metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		w.log.Info("ignoring redelivered message",
			logging.Phone("from", phone),
			zap.String("message_id", msg.MessageID))
		return &TurnResult{Duplicate: true, State: StateIdle}, nil
	}

	if t.accountID == nil {
		t.accountID = w.resolveAccount(ctx, phone)
	}

	var err error
	for attempt := 1; attempt <= maxTurnAttempts; attempt++ {
		t.result.Replies = nil
		err = w.runTurn(ctx, t)
		if !errors.Is(err, storage.ErrVersionConflict) {
			break
		}
		w.metrics.VersionConflicts.Inc()
		w.log.Info("session changed during turn, retrying",
			logging.Phone("from", phone), zap.Int("attempt", attempt))
	}

	if err != nil {
		w.log.Error("turn failed", logging.Phone("from", phone), zap.Error(err))
		w.metrics.InboundMessages.WithLabelValues("error").Inc()
		if len(t.result.Replies) == 0 {
			w.reply(ctx, t, msgRephrase)
		}
	} else {
		w.metrics.InboundMessages.WithLabelValues("processed").Inc()
	}

	w.appendInboundLog(ctx, t)
	return t.result, err
}

// runTurn loads the session and applies one transition. It returns
// storage.ErrVersionConflict, unwrapped, when the caller should redo the turn;
// no reply has been sent in that case.
func (w *WhatsAppService) runTurn(ctx context.Context, t *turn) error {
	session := w.sessions.Get(ctx, t.phone)
	if session == nil {
		return w.handleIdle(ctx, t, Idle(), 0)
	}
	t.sessionID = &session.ID

	state := session.State
	switch state.Kind {
	case StateIdle, StateIntentPending:
		return w.handleIdle(ctx, t, state, session.Version)
	case StateCollecting:
		return w.handleCollecting(ctx, t, state, session.Version)
	case StateComplete:
		if state.RecordID != "" {
			// The record exists but the session outlived it; finish the
			// clear and treat the message as the start of a new flow.
			if err := w.sessions.Clear(ctx, t.phone, session.Version); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return w.handleIdle(ctx, t, Idle(), 0)
		}
		// A previous creation attempt failed: take any corrections, then retry.
		return w.handleCollecting(ctx, t, state, session.Version)
	}
	return fmt.Errorf("unexpected session state %q", state.Kind)
}

func (w *WhatsAppService) handleIdle(ctx context.Context, t *turn, state FlowState, version int64) error {
	text := t.msg.Text
	if state.Kind == StateIntentPending && state.Text != "" {
		text = state.Text + "\n" + text
	}

	label, err := w.classifier.Classify(ctx, text)
	if err != nil {
		w.log.Warn("intent classification unavailable", logging.Phone("from", t.phone), zap.Error(err))
		saved, err := w.sessions.Save(ctx, t.phone, t.accountID, IntentPending(text), version)
		if err != nil {
			return err
		}
		t.sessionID = &saved.ID
		t.result.State = StateIntentPending
		w.reply(ctx, t, msgRephrase)
		return nil
	}

	intent := ParseIntent(string(label))
	if string(label) != string(intent) {
		w.log.Info("unknown intent label, falling back to help", zap.String("label", string(label)))
	}
	t.result.Intent = intent
	w.metrics.Intents.WithLabelValues(string(intent)).Inc()

	schema, structured := SchemaFor(intent)
	if !structured {
		if version != 0 {
			if err := w.sessions.Clear(ctx, t.phone, version); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		t.result.State = StateIdle
		w.reply(ctx, t, directReply(intent))
		return nil
	}

	saved, err := w.sessions.Save(ctx, t.phone, t.accountID, Collecting(uuid.NewString(), intent, nil), version)
	if err != nil {
		return err
	}
	t.sessionID = &saved.ID
	t.result.State = StateCollecting
	t.result.Entities = map[string]string{}
	w.log.Info("intake flow started",
		logging.Phone("from", t.phone),
		zap.String("intent", string(intent)),
		zap.String("flow_id", saved.State.FlowID))
	w.reply(ctx, t, askFieldsMessage(schema, schema.Required, true))
	return nil
}

func (w *WhatsAppService) handleCollecting(ctx context.Context, t *turn, state FlowState, version int64) error {
	schema, _ := SchemaFor(state.Intent)
	t.result.Intent = state.Intent

	found, err := w.extractor.Extract(ctx, t.msg.Text, schema.Fields())
	if err != nil {
		w.log.Warn("entity extraction unavailable", logging.Phone("from", t.phone), zap.Error(err))
		// Keep the collected fields and slide the expiry.
		if _, err := w.sessions.Save(ctx, t.phone, t.accountID, state, version); err != nil {
			return err
		}
		t.result.State = state.Kind
		t.result.Entities = copyEntities(state.Entities)
		w.reply(ctx, t, msgRephrase)
		return nil
	}
	t.found = found

	merged := MergeEntities(state.Entities, found)
	t.result.Entities = merged

	if missing := schema.Missing(merged); len(missing) > 0 {
		if _, err := w.sessions.Save(ctx, t.phone, t.accountID, Collecting(state.FlowID, state.Intent, merged), version); err != nil {
			return err
		}
		t.result.State = StateCollecting
		w.reply(ctx, t, askFieldsMessage(schema, missing, false))
		return nil
	}

	saved, err := w.sessions.Save(ctx, t.phone, t.accountID, Complete(state.FlowID, state.Intent, merged, ""), version)
	if err != nil {
		return err
	}
	return w.complete(ctx, t, schema, saved)
}

// complete creates the domain record of a finished flow, confirms it to the
// user and clears the session. The session is kept when creation fails so the
// user can retry without re-sending the fields.
func (w *WhatsAppService) complete(ctx context.Context, t *turn, schema IntentSchema, session *Session) error {
	state := session.State
	t.result.State = StateComplete

	recordID, err := w.createRecord(ctx, schema.RecordKind, state, session.AccountID)
	if err != nil {
		w.metrics.Records.WithLabelValues(schema.RecordKind, "failed").Inc()
		w.log.Error("domain record creation failed",
			logging.Phone("from", t.phone),
			zap.String("kind", schema.RecordKind),
			zap.String("flow_id", state.FlowID),
			zap.Error(err))
		w.reply(ctx, t, MsgRecordFailure)
		return nil
	}
	w.metrics.Records.WithLabelValues(schema.RecordKind, "created").Inc()
	t.result.RecordID = recordID
	w.log.Info("domain record created",
		logging.Phone("from", t.phone),
		zap.String("kind", schema.RecordKind),
		zap.String("record_id", recordID),
		zap.String("flow_id", state.FlowID))

	// Remember the record before anything else can fail, so a later turn
	// never confirms the same flow twice.
	version := session.Version
	if saved, err := w.sessions.Save(ctx, t.phone, session.AccountID, Complete(state.FlowID, state.Intent, state.Entities, recordID), version); err != nil {
		w.log.Warn("could not store record id on session", logging.Phone("from", t.phone), zap.Error(err))
	} else {
		version = saved.Version
	}

	w.publish(ctx, t, schema.RecordKind, recordID, state, session.AccountID)

	confirmation, err := w.confirmer.GenerateConfirmation(ctx, state.Intent, state.Entities)
	if err != nil {
		confirmation = templateConfirmation(state.Intent, state.Entities)
	}
	w.reply(ctx, t, withRecordID(confirmation, recordID))

	if err := w.sessions.Clear(ctx, t.phone, version); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.log.Warn("could not clear session after record creation", logging.Phone("from", t.phone), zap.Error(err))
		return nil
	}
	t.result.State = StateIdle
	return nil
}

func (w *WhatsAppService) createRecord(ctx context.Context, kind string, state FlowState, accountID *string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	id, err := w.store.CreateDomainRecord(ctx, storage.DomainRecord{
		Kind:      kind,
		FlowID:    state.FlowID,
		AccountID: accountID,
		Fields:    state.Entities,
	})
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrPersistence, kind, err)
	}
	return id, nil
}

func (w *WhatsAppService) publish(ctx context.Context, t *turn, kind, recordID string, state FlowState, accountID *string) {
	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	err := w.publisher.PublishRecordCreated(ctx, events.RecordCreated{
		Kind:      kind,
		RecordID:  recordID,
		FlowID:    state.FlowID,
		AccountID: accountID,
		Phone:     t.phone,
		Fields:    copyEntities(state.Entities),
		CreatedAt: w.now().UTC(),
	})
	if err != nil {
		w.log.Warn("record event not published", zap.String("record_id", recordID), zap.Error(err))
	}
}

// reply sends text to the sender and logs it as an outbound message. Send
// failures are logged only.
func (w *WhatsAppService) reply(ctx context.Context, t *turn, text string) {
	t.result.Replies = append(t.result.Replies, text)

	externalID, err := w.dispatcher.SendText(ctx, t.msg.ChatID, text)
	if err != nil {
		w.log.Warn("reply not delivered", logging.Phone("to", t.phone), zap.Error(err))
	}

	entry := &models.MessageLog{
		SessionID:   t.sessionID,
		PhoneNumber: t.phone,
		Direction:   models.DirectionOutbound,
		Text:        text,
		ExternalID:  externalID,
		CreatedAt:   w.now(),
	}
	if t.result.Intent != "" {
		intent := string(t.result.Intent)
		entry.Intent = &intent
	}
	w.appendLog(ctx, entry)
}

func (w *WhatsAppService) appendInboundLog(ctx context.Context, t *turn) {
	entry := &models.MessageLog{
		SessionID:   t.sessionID,
		PhoneNumber: t.phone,
		Direction:   models.DirectionInbound,
		Text:        t.msg.Text,
		ExternalID:  t.msg.MessageID,
		CreatedAt:   t.msg.ReceivedAt,
	}
	if t.result.Intent != "" {
		intent := string(t.result.Intent)
		entry.Intent = &intent
	}
	if len(t.found) > 0 {
		if data, err := json.Marshal(t.found); err == nil {
			entities := string(data)
			entry.Entities = &entities
		}
	}
	w.appendLog(ctx, entry)
}

func (w *WhatsAppService) appendLog(ctx context.Context, entry *models.MessageLog) {
	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()
	if err := w.store.AppendLogEntry(ctx, entry); err != nil {
		w.log.Warn("message log entry not stored", zap.String("direction", entry.Direction), zap.Error(err))
	}
}

// markProcessed records msg as seen and reports whether it already was.
// Messages without a transport id are only deduplicated against a live
// session: from idle a replay cannot complete anything, and the same text
// may legitimately start a new flow. Failing to record a receipt never
// blocks the turn.
func (w *WhatsAppService) markProcessed(ctx context.Context, msg InboundMessage, phone string, session *Session) bool {
	ttl := w.receiptTTL
	var key string
	switch {
	case msg.MessageID != "":
		key = DedupeKey(msg.MessageID, phone, msg.Text, 0, 0)
	case session != nil:
		key = DedupeKey("", phone, msg.Text, session.ID, session.Version)
		if sessionTTL := w.sessions.TTL(); sessionTTL < ttl {
			ttl = sessionTTL
		}
	default:
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	now := w.now()
	fresh, err := w.store.MarkInboundProcessed(ctx, &models.InboundReceipt{
		Key:         key,
		PhoneNumber: phone,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		w.log.Warn("inbound receipt not stored", logging.Phone("from", phone), zap.Error(err))
		return false
	}
	return !fresh
}

// DedupeKey identifies an inbound message: the transport id when there is
// one, otherwise a hash of sender, text and the session row and version it
// was received against.
func DedupeKey(messageID, phone, text string, sessionID uint, version int64) string {
	if messageID != "" {
		return "sid:" + messageID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d\x00%s", phone, sessionID, version, text)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (w *WhatsAppService) resolveAccount(ctx context.Context, phone string) *string {
	ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	accountID, err := w.store.LookupAccountID(ctx, phone)
	if err == nil {
		return accountID
	}
	if !errors.Is(err, storage.ErrNotFound) {
		w.log.Warn("account lookup failed", logging.Phone("phone", phone), zap.Error(err))
	}
	if w.defaultAccountID == "" {
		return nil
	}
	id := w.defaultAccountID
	return &id
}
