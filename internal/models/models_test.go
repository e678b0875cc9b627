package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"whatsapp:+5511999999999": "+5511999999999",
		"+55 (11) 99999-9999":     "+5511999999999",
		"11999999999":             "11999999999",
		" whatsapp: +55 11 ":      "+5511",
		"whatsapp:":               "",
		"+":                       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestWhatsAppSession_IsExpired(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	s := &WhatsAppSession{ExpiresAt: now}
	assert.True(t, s.IsExpired(now))
	assert.False(t, s.IsExpired(now.Add(-time.Second)))
}

func TestNewLogID_SortsByTime(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	earlier := NewLogID(now)
	later := NewLogID(now.Add(time.Millisecond))
	assert.Len(t, earlier, 26)
	assert.Less(t, earlier, later)
}

func TestClient_BeforeCreate(t *testing.T) {
	c := &Client{Nome: "Maria", Email: " Maria@X.COM ", Telefone: "whatsapp:+55 11 99999-9999", Documento: "12.345.678/0001-90"}
	assert.NoError(t, c.BeforeCreate(nil))
	assert.NotEmpty(t, c.RecordID)
	assert.Equal(t, "maria@x.com", c.Email)
	assert.Equal(t, "+5511999999999", c.Telefone)
	assert.Equal(t, "12345678000190", c.Documento)

	p := &Project{Nome: "Site"}
	assert.NoError(t, p.BeforeCreate(nil))
	assert.Equal(t, ProjectStatusPlanned, p.Status)
}
