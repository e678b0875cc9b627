package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// promptOracle answers by looking at the system prompt of the conversation.
type promptOracle struct{}

func (promptOracle) Complete(_ context.Context, conv []services.Message) (string, error) {
	system := conv[0].Content
	user := conv[len(conv)-1].Content
	switch {
	case strings.HasPrefix(system, "Você classifica"):
		if strings.Contains(strings.ToLower(user), "cliente") {
			return "create_cliente", nil
		}
		return "greeting", nil
	case strings.HasPrefix(system, "Extraia"):
		return `{"nome": "Maria", "email": "maria@x.com", "telefone": "11999999999"}`, nil
	default:
		return "Cliente Maria cadastrado!", nil
	}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (d *recordingDispatcher) SendText(_ context.Context, to, text string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, to+"|"+text)
	return fmt.Sprintf("SM%03d", len(d.sent)), nil
}

func (d *recordingDispatcher) messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fixture struct {
	app        *fiber.App
	store      *storage.MemoryStore
	service    *services.WhatsAppService
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      storage.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
	}
	log := zap.NewNop()
	oracle := promptOracle{}
	sessions := services.NewSessionStore(f.store, 15*time.Minute, time.Second, log)
	f.service = services.NewWhatsAppService(services.WhatsAppDeps{
		Store:      f.store,
		Sessions:   sessions,
		Classifier: services.NewIntentClassifier(oracle, log),
		Extractor:  services.NewEntityExtractor(oracle, log),
		Confirmer:  services.NewConfirmationGenerator(oracle, log),
		Dispatcher: f.dispatcher,
		Logger:     log,
	})

	wa := NewWhatsAppHandler(f.service, log)
	health := NewHealthHandler("test", f.store, sessions, nil)
	send := NewSendHandler(f.dispatcher, log)
	admin := NewAdminHandler(f.store, log)

	f.app = fiber.New()
	f.app.Get("/", health.Root)
	f.app.Get("/health", health.Check)
	f.app.Post("/send", send.Send)
	f.app.Post("/webhook/whatsapp", wa.HandleWebhook)
	f.app.Post("/test/whatsapp", wa.HandleTestWebhook)
	f.app.Get("/admin/messages", admin.ListMessages)
	f.app.Post("/admin/accounts", admin.LinkAccount)
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	return req
}

func TestHandleWebhook_RunsTurnInBackground(t *testing.T) {
	f := newFixture(t)

	form := url.Values{
		"MessageSid": {"SM100"},
		"From":       {"whatsapp:+5511988887777"},
		"Body":       {"oi"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)

	status, _ := f.do(t, req)
	assert.Equal(t, http.StatusOK, status)

	f.service.Wait()
	sent := f.dispatcher.messages()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "whatsapp:+5511988887777|"))
}

func TestHandleWebhook_StatusCallbackIgnored(t *testing.T) {
	f := newFixture(t)

	form := url.Values{"MessageSid": {"SM100"}, "SmsStatus": {"delivered"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)

	status, _ := f.do(t, req)
	assert.Equal(t, http.StatusOK, status)
	f.service.Wait()
	assert.Empty(t, f.dispatcher.messages())
}

func TestHandleTestWebhook_CompletesFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/test/whatsapp",
		`{"from": "+5511988887777", "message": "quero cadastrar um cliente"}`))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "create_cliente", body["intent"])
	assert.Equal(t, "collecting_entities", body["state"])
	assert.Nil(t, body["record_id"])

	status, body = f.do(t, jsonRequest(http.MethodPost, "/test/whatsapp",
		`{"from": "+5511988887777", "message": "Maria, maria@x.com, 11999999999"}`))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "idle", body["state"])
	assert.NotEmpty(t, body["record_id"])
	assert.Len(t, f.store.Records(), 1)
}

func TestHandleTestWebhook_BadPayload(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, jsonRequest(http.MethodPost, "/test/whatsapp", `{"from": ""}`))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, false, body["twilio"])
	assert.EqualValues(t, 0, body["active_sessions"])

	status, body = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "endpoints")
}

type downStore struct{ *storage.MemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_DatabaseDown(t *testing.T) {
	store := downStore{storage.NewMemoryStore()}
	health := NewHealthHandler("test", store, services.NewSessionStore(store, 0, time.Second, nil), nil)
	app := fiber.New()
	app.Get("/health", health.Check)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSend(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/send", `{"number": "whatsapp:+5511977776666", "message": "Olá!"}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SM001", body["message_id"])
	assert.Equal(t, []string{"+5511977776666|Olá!"}, f.dispatcher.messages())

	status, _ = f.do(t, jsonRequest(http.MethodPost, "/send", `{"number": "", "message": "Olá!"}`))
	assert.Equal(t, http.StatusBadRequest, status)

	f.dispatcher.err = fmt.Errorf("%w: twilio not configured", services.ErrTransport)
	status, _ = f.do(t, jsonRequest(http.MethodPost, "/send", `{"number": "+5511977776666", "message": "Olá!"}`))
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestAdmin_LinkAccountAndListMessages(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, jsonRequest(http.MethodPost, "/admin/accounts", `{"account_id": "acc-1", "phone": "whatsapp:+5511988887777"}`))
	require.Equal(t, http.StatusCreated, status)

	id, err := f.store.LookupAccountID(context.Background(), "+5511988887777")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", *id)

	status, _ = f.do(t, jsonRequest(http.MethodPost, "/admin/accounts", `{"account_id": "acc-1"}`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, jsonRequest(http.MethodPost, "/test/whatsapp", `{"from": "+5511988887777", "message": "oi"}`))
	require.Equal(t, http.StatusOK, status)

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/admin/messages?phone=%2B5511988887777&limit=10", nil))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["count"])

	messages := body["messages"].([]interface{})
	assert.Equal(t, models.DirectionOutbound, messages[0].(map[string]interface{})["direction"])
	assert.Equal(t, models.DirectionInbound, messages[1].(map[string]interface{})["direction"])
}
