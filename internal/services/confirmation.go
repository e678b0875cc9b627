package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const confirmationPrompt = `Você escreve mensagens curtas de WhatsApp em português para um CRM.
Um novo %s acaba de ser cadastrado com os dados abaixo. Escreva uma confirmação amigável
que liste cada campo em uma linha e termine pedindo que a pessoa responda SIM se os dados
estiverem corretos ou NÃO caso contrário. Não invente dados.`

// ConfirmationGenerator writes the user-facing summary of a finished flow.
// Its output is terminal text; nothing parses it.
type ConfirmationGenerator struct {
	oracle Oracle
	log    *zap.Logger
}

func NewConfirmationGenerator(oracle Oracle, log *zap.Logger) *ConfirmationGenerator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConfirmationGenerator{oracle: oracle, log: log}
}

func (g *ConfirmationGenerator) GenerateConfirmation(ctx context.Context, intent Intent, entities map[string]string) (string, error) {
	var data strings.Builder
	for _, field := range orderedFields(intent, entities) {
		fmt.Fprintf(&data, "%s: %s\n", fieldLabel(field), entities[field])
	}

	text, err := g.oracle.Complete(withOperation(ctx, "confirm"), []Message{
		{Role: RoleSystem, Content: fmt.Sprintf(confirmationPrompt, intentNames[intent])},
		{Role: RoleUser, Content: data.String()},
	})
	if err != nil {
		g.log.Debug("confirmation not generated", zap.String("intent", string(intent)), zap.Error(err))
		return "", err
	}
	return text, nil
}
