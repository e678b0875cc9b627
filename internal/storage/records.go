package storage

import (
	"fmt"
	"strings"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"gorm.io/gorm"
)

type beforeCreator interface {
	BeforeCreate(tx *gorm.DB) error
}

// buildRecord maps the collected fields onto the model for rec.Kind.
func buildRecord(rec DomainRecord) (interface{}, error) {
	var flowID *string
	if rec.FlowID != "" {
		id := rec.FlowID
		flowID = &id
	}
	f := func(key string) string {
		return strings.TrimSpace(rec.Fields[key])
	}

	switch rec.Kind {
	case models.RecordKindClient:
		return &models.Client{
			FlowID:    flowID,
			AccountID: rec.AccountID,
			Nome:      f("nome"),
			Email:     f("email"),
			Telefone:  f("telefone"),
			Documento: f("documento"),
			Endereco:  f("endereco"),
			Origem:    "whatsapp",
		}, nil
	case models.RecordKindAppointment:
		return &models.Appointment{
			FlowID:      flowID,
			AccountID:   rec.AccountID,
			Titulo:      f("titulo"),
			Data:        f("data"),
			Hora:        f("hora"),
			Cliente:     f("cliente"),
			Local:       f("local"),
			Observacoes: f("observacoes"),
		}, nil
	case models.RecordKindProject:
		return &models.Project{
			FlowID:    flowID,
			AccountID: rec.AccountID,
			Nome:      f("nome"),
			Cliente:   f("cliente"),
			Descricao: f("descricao"),
			Prazo:     f("prazo"),
			Valor:     f("valor"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordKind, rec.Kind)
	}
}

// recordID returns the public id of a record built by buildRecord.
func recordID(record interface{}) string {
	switch r := record.(type) {
	case *models.Client:
		return r.RecordID
	case *models.Appointment:
		return r.RecordID
	case *models.Project:
		return r.RecordID
	}
	return ""
}
