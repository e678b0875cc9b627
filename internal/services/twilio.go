package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
)

// Dispatcher sends outbound chat text. SendText returns the transport
// message id; it does not confirm delivery.
type Dispatcher interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// MessageAPI is the part of the Twilio REST API the service uses.
type MessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioService struct {
	api     MessageAPI
	from    string // whatsapp:+14155238886
	timeout time.Duration
	backoff time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewTwilioService creates the dispatcher. Without credentials it is still
// returned, but every send fails with ErrTransport.
func NewTwilioService(cfg config.TwilioConfig, m *metrics.Metrics, log *zap.Logger) *TwilioService {
	var api MessageAPI
	if cfg.Configured() {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.Api
	}
	return NewTwilioServiceWithAPI(api, cfg.WhatsAppFrom, cfg.Timeout, m, log)
}

// NewTwilioServiceWithAPI builds the dispatcher over an existing API client.
func NewTwilioServiceWithAPI(api MessageAPI, from string, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) *TwilioService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TwilioService{
		api:     api,
		from:    whatsappAddress(from),
		timeout: timeout,
		backoff: 500 * time.Millisecond,
		metrics: m,
		log:     log,
	}
}

// Configured reports whether outbound messaging is possible.
func (t *TwilioService) Configured() bool {
	return t.api != nil && t.from != ""
}

// SendText sends a WhatsApp message. A transient failure (HTTP 429, 5xx or a
// network error) is retried once after a short backoff.
func (t *TwilioService) SendText(ctx context.Context, to, text string) (string, error) {
	if !t.Configured() {
		t.metrics.OutboundMessages.WithLabelValues("skipped").Inc()
		return "", fmt.Errorf("%w: twilio not configured", ErrTransport)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(whatsappAddress(to))
	params.SetBody(text)

	sid, err := t.create(ctx, params)
	if err != nil && isTransient(err) {
		t.log.Warn("WhatsApp send failed, retrying", logging.Phone("to", to), zap.Error(err))
		select {
		case <-time.After(t.backoff):
			sid, err = t.create(ctx, params)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		t.metrics.OutboundMessages.WithLabelValues("failed").Inc()
		t.log.Error("failed to send WhatsApp message", logging.Phone("to", to), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}

	t.metrics.OutboundMessages.WithLabelValues("sent").Inc()
	t.log.Info("WhatsApp message sent", logging.Phone("to", to), zap.String("sid", sid))
	return sid, nil
}

type createResult struct {
	sid string
	err error
}

// create runs one API call bounded by the service timeout. The SDK call
// itself takes no context, so a timed out call is abandoned, not cancelled.
func (t *TwilioService) create(ctx context.Context, params *twilioApi.CreateMessageParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan createResult, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		if err != nil {
			done <- createResult{err: err}
			return
		}
		if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
			msg := ""
			if resp.ErrorMessage != nil {
				msg = *resp.ErrorMessage
			}
			done <- createResult{err: &messageError{code: *resp.ErrorCode, message: msg}}
			return
		}
		sid := ""
		if resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- createResult{sid: sid}
	}()

	select {
	case r := <-done:
		return r.sid, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// isTransient reports whether err is worth one more attempt.
func isTransient(err error) bool {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == 429 || restErr.Status >= 500
	}
	var msgErr *messageError
	if errors.As(err, &msgErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// messageError is an error reported on the created message resource.
type messageError struct {
	code    int
	message string
}

func (e *messageError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.code, e.message)
}

func whatsappAddress(number string) string {
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
