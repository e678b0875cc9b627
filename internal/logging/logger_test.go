package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		log, err := New("debug", format)
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
	}

	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "**********9999", MaskPhone("whatsapp:+5511999999999"))
	assert.Equal(t, "123", MaskPhone("123"))
	assert.Equal(t, "****5678", MaskPhone("12345678"))
}

func TestPhoneField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("inbound", Phone("phone", "whatsapp:+5511988887777"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "**********7777", logs.All()[0].ContextMap()["phone"])
}
