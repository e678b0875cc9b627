package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
)

// Intent is a label from the closed set the classifier may return.
type Intent string

const (
	IntentCreateClient      Intent = "create_cliente"
	IntentCreateAppointment Intent = "create_agendamento"
	IntentCreateProject     Intent = "create_projeto"
	IntentQueryInfo         Intent = "query_info"
	IntentHelp              Intent = "help"
	IntentGreeting          Intent = "greeting"
)

// AllIntents lists every label, in prompt order.
var AllIntents = []Intent{
	IntentCreateClient,
	IntentCreateAppointment,
	IntentCreateProject,
	IntentQueryInfo,
	IntentHelp,
	IntentGreeting,
}

// ParseIntent maps classifier output onto the closed set. Anything else is
// treated as a request for help.
func ParseIntent(raw string) Intent {
	label := normalizeLabel(raw)
	label = strings.ReplaceAll(label, "-", "_")
	for _, intent := range AllIntents {
		if label == string(intent) {
			return intent
		}
	}
	return IntentHelp
}

// normalizeLabel lower-cases the first line of s and trims spaces, quotes and
// trailing punctuation.
func normalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	return strings.Trim(s, " \t\"'`.,;:!")
}

// IntentSchema describes the fields collected for an intent that ends in a
// domain record.
type IntentSchema struct {
	Intent     Intent
	RecordKind string
	Required   []string
	Optional   []string
}

// Fields returns required fields followed by optional ones.
func (s IntentSchema) Fields() []string {
	fields := make([]string, 0, len(s.Required)+len(s.Optional))
	fields = append(fields, s.Required...)
	return append(fields, s.Optional...)
}

// Missing returns the required fields without a non-empty value in entities.
func (s IntentSchema) Missing(entities map[string]string) []string {
	var missing []string
	for _, field := range s.Required {
		if strings.TrimSpace(entities[field]) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

var schemas = map[Intent]IntentSchema{
	IntentCreateClient: {
		Intent:     IntentCreateClient,
		RecordKind: models.RecordKindClient,
		Required:   []string{"nome", "email", "telefone"},
		Optional:   []string{"documento", "endereco"},
	},
	IntentCreateAppointment: {
		Intent:     IntentCreateAppointment,
		RecordKind: models.RecordKindAppointment,
		Required:   []string{"titulo", "data", "hora"},
		Optional:   []string{"cliente", "local", "observacoes"},
	},
	IntentCreateProject: {
		Intent:     IntentCreateProject,
		RecordKind: models.RecordKindProject,
		Required:   []string{"nome", "cliente"},
		Optional:   []string{"descricao", "prazo", "valor"},
	},
}

// SchemaFor returns the schema of a structured intent. ok is false for
// intents answered directly (greeting, help, query_info).
func SchemaFor(intent Intent) (IntentSchema, bool) {
	s, ok := schemas[intent]
	return s, ok
}

// MergeEntities returns existing updated with the non-empty values of found.
func MergeEntities(existing, found map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(found))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range found {
		if v = strings.TrimSpace(v); v != "" {
			merged[k] = v
		}
	}
	return merged
}

// StateKind tags the variant held by FlowState.
type StateKind string

const (
	StateIdle          StateKind = "idle"
	StateIntentPending StateKind = "intent_pending"
	StateCollecting    StateKind = "collecting_entities"
	StateComplete      StateKind = "complete"
)

// FlowState is the conversational state stored in a session. Which fields
// are meaningful depends on Kind:
//
//	idle                 -
//	intent_pending       Text
//	collecting_entities  FlowID, Intent, Entities
//	complete             FlowID, Intent, Entities, RecordID (once created)
type FlowState struct {
	Kind     StateKind         `json:"kind"`
	Text     string            `json:"text,omitempty"`
	FlowID   string            `json:"flow_id,omitempty"`
	Intent   Intent            `json:"intent,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
	RecordID string            `json:"record_id,omitempty"`
}

func Idle() FlowState {
	return FlowState{Kind: StateIdle}
}

func IntentPending(text string) FlowState {
	return FlowState{Kind: StateIntentPending, Text: text}
}

func Collecting(flowID string, intent Intent, entities map[string]string) FlowState {
	return FlowState{Kind: StateCollecting, FlowID: flowID, Intent: intent, Entities: copyEntities(entities)}
}

func Complete(flowID string, intent Intent, entities map[string]string, recordID string) FlowState {
	return FlowState{Kind: StateComplete, FlowID: flowID, Intent: intent, Entities: copyEntities(entities), RecordID: recordID}
}

func copyEntities(entities map[string]string) map[string]string {
	cp := make(map[string]string, len(entities))
	for k, v := range entities {
		cp[k] = v
	}
	return cp
}

// EncodeState serializes s for storage.
func EncodeState(s FlowState) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode flow state: %w", err)
	}
	return string(data), nil
}

// DecodeState parses a stored state. An empty string decodes to Idle.
func DecodeState(data string) (FlowState, error) {
	if strings.TrimSpace(data) == "" {
		return Idle(), nil
	}
	var s FlowState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return FlowState{}, fmt.Errorf("decode flow state: %w", err)
	}
	if err := s.validate(); err != nil {
		return FlowState{}, err
	}
	if s.Entities == nil && (s.Kind == StateCollecting || s.Kind == StateComplete) {
		s.Entities = map[string]string{}
	}
	return s, nil
}

func (s FlowState) validate() error {
	switch s.Kind {
	case StateIdle:
		return nil
	case StateIntentPending:
		if s.Text == "" {
			return fmt.Errorf("flow state %s: missing text", s.Kind)
		}
		return nil
	case StateCollecting, StateComplete:
		if s.FlowID == "" {
			return fmt.Errorf("flow state %s: missing flow id", s.Kind)
		}
		if _, ok := SchemaFor(s.Intent); !ok {
			return fmt.Errorf("flow state %s: intent %q has no schema", s.Kind, s.Intent)
		}
		return nil
	default:
		return fmt.Errorf("unknown flow state kind %q", s.Kind)
	}
}
