package services

import (
	"fmt"
	"sort"
	"strings"
)

// User-facing texts. The bot talks Portuguese.
const (
	msgGreeting = "Olá! 👋 Sou o assistente do CRM. Posso cadastrar clientes, agendamentos e projetos por aqui.\n\nÉ só me dizer o que precisa, por exemplo: \"quero cadastrar um cliente\"."

	msgHelp = "Posso ajudar com:\n" +
		"• Cadastrar cliente (nome, email, telefone)\n" +
		"• Criar agendamento (título, data, hora)\n" +
		"• Criar projeto (nome, cliente)\n\n" +
		"Diga o que deseja fazer."

	msgQueryInfo = "Consultas ainda não estão disponíveis pelo WhatsApp. Acesse o painel do CRM para ver seus dados.\n\nPor aqui posso cadastrar clientes, agendamentos e projetos."

	msgRephrase = "Não consegui entender sua mensagem agora. Pode reformular, por favor?"

	// MsgRecordFailure is sent when the domain record could not be created.
	MsgRecordFailure = "Não foi possível concluir o cadastro. Verifique os dados e tente novamente."
)

var fieldLabels = map[string]string{
	"nome":        "nome",
	"email":       "email",
	"telefone":    "telefone",
	"documento":   "CPF/CNPJ",
	"endereco":    "endereço",
	"titulo":      "título",
	"data":        "data",
	"hora":        "hora",
	"cliente":     "cliente",
	"local":       "local",
	"observacoes": "observações",
	"descricao":   "descrição",
	"prazo":       "prazo",
	"valor":       "valor",
}

var intentNames = map[Intent]string{
	IntentCreateClient:      "cliente",
	IntentCreateAppointment: "agendamento",
	IntentCreateProject:     "projeto",
}

func fieldLabel(field string) string {
	if label, ok := fieldLabels[field]; ok {
		return label
	}
	return field
}

func directReply(intent Intent) string {
	switch intent {
	case IntentGreeting:
		return msgGreeting
	case IntentQueryInfo:
		return msgQueryInfo
	default:
		return msgHelp
	}
}

// askFieldsMessage asks for the missing fields of schema. first is true on
// the turn that started the flow.
func askFieldsMessage(schema IntentSchema, missing []string, first bool) string {
	labels := make([]string, len(missing))
	for i, f := range missing {
		labels[i] = fieldLabel(f)
	}

	var b strings.Builder
	if first {
		fmt.Fprintf(&b, "Vamos cadastrar um novo %s. ", intentNames[schema.Intent])
		fmt.Fprintf(&b, "Me envie: %s.", strings.Join(labels, ", "))
		if len(schema.Optional) > 0 {
			optional := make([]string, len(schema.Optional))
			for i, f := range schema.Optional {
				optional[i] = fieldLabel(f)
			}
			fmt.Fprintf(&b, "\nOpcional: %s.", strings.Join(optional, ", "))
		}
		return b.String()
	}
	fmt.Fprintf(&b, "Ainda falta: %s.", strings.Join(labels, ", "))
	return b.String()
}

// templateConfirmation is used when the oracle cannot write the confirmation.
func templateConfirmation(intent Intent, entities map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s cadastrado com os dados:\n", capitalize(intentNames[intent]))
	for _, field := range orderedFields(intent, entities) {
		fmt.Fprintf(&b, "• %s: %s\n", fieldLabel(field), entities[field])
	}
	b.WriteString("\nOs dados estão corretos? Responda SIM ou NÃO.")
	return b.String()
}

// withRecordID appends the record reference to a confirmation.
func withRecordID(text, recordID string) string {
	return strings.TrimRight(text, "\n ") + "\n\nID do registro: " + recordID
}

// orderedFields lists the fields present in entities in schema order, then
// any unknown extras sorted by name.
func orderedFields(intent Intent, entities map[string]string) []string {
	var fields []string
	seen := make(map[string]bool)
	if schema, ok := SchemaFor(intent); ok {
		for _, f := range schema.Fields() {
			if entities[f] != "" {
				fields = append(fields, f)
				seen[f] = true
			}
		}
	}
	var extra []string
	for f, v := range entities {
		if !seen[f] && v != "" {
			extra = append(extra, f)
		}
	}
	sort.Strings(extra)
	return append(fields, extra...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
