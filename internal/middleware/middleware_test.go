package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "12345"

// sign computes a Twilio request signature.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newWebhookApp(token string) *fiber.App {
	app := fiber.New()
	app.Post("/webhook/whatsapp", ValidateTwilioSignature(token, "https://bot.example.com", zap.NewNop()), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func webhookRequest(form url.Values, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	return req
}

func TestValidateTwilioSignature(t *testing.T) {
	form := url.Values{
		"MessageSid": {"SM1"},
		"From":       {"whatsapp:+5511999999999"},
		"Body":       {"oi"},
	}
	valid := sign(testToken, "https://bot.example.com/webhook/whatsapp", form)

	tests := []struct {
		name      string
		token     string
		signature string
		want      int
	}{
		{"valid", testToken, valid, http.StatusOK},
		{"missing", testToken, "", http.StatusUnauthorized},
		{"wrong", testToken, sign("other", "https://bot.example.com/webhook/whatsapp", form), http.StatusUnauthorized},
		{"no token configured", "", valid, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := newWebhookApp(tt.token).Test(webhookRequest(form, tt.signature))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRequireAdminToken(t *testing.T) {
	app := fiber.New()
	app.Get("/admin/ping", RequireAdminToken("s3cret"), func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})

	for header, want := range map[string]int{
		"Bearer s3cret": http.StatusOK,
		"Bearer nope":   http.StatusUnauthorized,
		"":              http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, header)
	}
}
