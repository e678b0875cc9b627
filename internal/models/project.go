package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project statuses
const (
	ProjectStatusPlanned    = "planejado"
	ProjectStatusInProgress = "em_andamento"
	ProjectStatusDone       = "concluido"
)

// Project tracks a piece of work delivered to a client.
type Project struct {
	gorm.Model

	RecordID  string  `json:"record_id" gorm:"size:36;uniqueIndex"`
	FlowID    *string `json:"flow_id,omitempty" gorm:"size:36;uniqueIndex"`
	AccountID *string `json:"account_id,omitempty" gorm:"size:64;index"`
	Nome      string  `json:"nome" gorm:"not null"`
	Cliente   string  `json:"cliente"`
	Descricao string  `json:"descricao" gorm:"type:text"`
	Prazo     string  `json:"prazo"` // free-form deadline as typed by the user
	Valor     string  `json:"valor"`
	Status    string  `json:"status" gorm:"size:16;default:'planejado'"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.RecordID == "" {
		p.RecordID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = ProjectStatusPlanned
	}
	return nil
}

// Appointment is a meeting or visit scheduled with a client.
type Appointment struct {
	gorm.Model

	RecordID    string  `json:"record_id" gorm:"size:36;uniqueIndex"`
	FlowID      *string `json:"flow_id,omitempty" gorm:"size:36;uniqueIndex"`
	AccountID   *string `json:"account_id,omitempty" gorm:"size:64;index"`
	Titulo      string  `json:"titulo" gorm:"not null"`
	Data        string  `json:"data"`
	Hora        string  `json:"hora"`
	Cliente     string  `json:"cliente"`
	Local       string  `json:"local"`
	Observacoes string  `json:"observacoes" gorm:"type:text"`
}

func (a *Appointment) BeforeCreate(tx *gorm.DB) error {
	if a.RecordID == "" {
		a.RecordID = uuid.New().String()
	}
	return nil
}
