package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
)

// fakeMessageAPI returns the queued errors in order, then succeeds.
type fakeMessageAPI struct {
	mu     sync.Mutex
	errs   []error
	params []*twilioApi.CreateMessageParams
	block  bool
}

func (f *fakeMessageAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.mu.Lock()
	f.params = append(f.params, params)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block {
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeMessageAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func newTestTwilio(api MessageAPI) (*TwilioService, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	svc := NewTwilioServiceWithAPI(api, "+14155238886", time.Second, m, nil)
	svc.backoff = time.Millisecond
	return svc, m
}

func TestTwilioService_SendText(t *testing.T) {
	api := &fakeMessageAPI{}
	svc, m := newTestTwilio(api)

	sid, err := svc.SendText(context.Background(), "+5511999999999", "Olá")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)

	require.Equal(t, 1, api.calls())
	p := api.params[0]
	assert.Equal(t, "whatsapp:+14155238886", *p.From)
	assert.Equal(t, "whatsapp:+5511999999999", *p.To)
	assert.Equal(t, "Olá", *p.Body)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundMessages.WithLabelValues("sent")))
}

func TestTwilioService_KeepsWhatsAppPrefix(t *testing.T) {
	api := &fakeMessageAPI{}
	svc, _ := newTestTwilio(api)

	_, err := svc.SendText(context.Background(), "whatsapp:+5511999999999", "Olá")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+5511999999999", *api.params[0].To)
}

func TestTwilioService_RetriesTransientOnce(t *testing.T) {
	tests := []struct {
		name  string
		errs  []error
		calls int
		ok    bool
	}{
		{"503 then success", []error{&twilioclient.TwilioRestError{Status: 503, Message: "unavailable"}}, 2, true},
		{"429 then success", []error{&twilioclient.TwilioRestError{Status: 429, Message: "too many"}}, 2, true},
		{"network then success", []error{errors.New("connection reset")}, 2, true},
		{"two transient failures", []error{
			&twilioclient.TwilioRestError{Status: 500},
			&twilioclient.TwilioRestError{Status: 502},
		}, 2, false},
		{"400 is not retried", []error{&twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "invalid To"}}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeMessageAPI{errs: tt.errs}
			svc, m := newTestTwilio(api)

			_, err := svc.SendText(context.Background(), "+5511999999999", "Olá")
			assert.Equal(t, tt.calls, api.calls())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrTransport)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundMessages.WithLabelValues("failed")))
		})
	}
}

func TestTwilioService_Timeout(t *testing.T) {
	api := &fakeMessageAPI{block: true}
	svc, _ := newTestTwilio(api)
	svc.timeout = 10 * time.Millisecond

	_, err := svc.SendText(context.Background(), "+5511999999999", "Olá")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTwilioService_NotConfigured(t *testing.T) {
	svc := NewTwilioService(config.TwilioConfig{}, nil, nil)
	assert.False(t, svc.Configured())

	_, err := svc.SendText(context.Background(), "+5511999999999", "Olá")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&twilioclient.TwilioRestError{Status: 503}))
	assert.False(t, isTransient(&twilioclient.TwilioRestError{Status: 404}))
	assert.False(t, isTransient(&messageError{code: 63016}))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(context.DeadlineExceeded))
}
