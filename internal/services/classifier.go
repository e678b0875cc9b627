package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var classifierPrompt = fmt.Sprintf(`Você classifica mensagens enviadas por WhatsApp para um CRM.
Responda com exatamente um destes rótulos, sem nenhum outro texto:
%s

create_cliente: a pessoa quer cadastrar um cliente.
create_agendamento: quer marcar um agendamento, reunião ou visita.
create_projeto: quer criar um projeto.
query_info: quer consultar dados já cadastrados.
greeting: apenas cumprimenta.
help: qualquer outra coisa.`, strings.Join(intentLabels(), "\n"))

func intentLabels() []string {
	labels := make([]string, len(AllIntents))
	for i, intent := range AllIntents {
		labels[i] = string(intent)
	}
	return labels
}

// IntentClassifier maps free text to an intent label with one oracle call.
type IntentClassifier struct {
	oracle Oracle
	log    *zap.Logger
}

func NewIntentClassifier(oracle Oracle, log *zap.Logger) *IntentClassifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &IntentClassifier{oracle: oracle, log: log}
}

// Classify returns the normalized label the oracle answered. The label is not
// checked against the closed set; use ParseIntent for that.
func (c *IntentClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	out, err := c.oracle.Complete(withOperation(ctx, "classify"), []Message{
		{Role: RoleSystem, Content: classifierPrompt},
		{Role: RoleUser, Content: text},
	})
	if err != nil {
		return "", err
	}
	label := Intent(normalizeLabel(out))
	c.log.Debug("classified", zap.String("label", string(label)))
	return label, nil
}
