package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const extractorPrompt = `Extraia dados de uma mensagem enviada por WhatsApp para um CRM.
Campos possíveis: %s.
Responda apenas com um objeto JSON cujas chaves são os campos encontrados na mensagem e
cujos valores são strings. Não invente valores; omita campos que não aparecem.
Datas no formato AAAA-MM-DD e horas no formato HH:MM quando possível.`

// EntityExtractor turns free text into field values with one oracle call.
type EntityExtractor struct {
	oracle Oracle
	log    *zap.Logger
}

func NewEntityExtractor(oracle Oracle, log *zap.Logger) *EntityExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &EntityExtractor{oracle: oracle, log: log}
}

// Extract returns the values found in text for fields. Output that does not
// parse yields an empty map and no error; oracle failures are returned.
func (e *EntityExtractor) Extract(ctx context.Context, text string, fields []string) (map[string]string, error) {
	out, err := e.oracle.Complete(withOperation(ctx, "extract"), []Message{
		{Role: RoleSystem, Content: fmt.Sprintf(extractorPrompt, strings.Join(fields, ", "))},
		{Role: RoleUser, Content: text},
	})
	if err != nil {
		return nil, err
	}

	found, err := parseEntities(out, fields)
	if err != nil {
		e.log.Warn("extraction degraded to no fields", zap.Error(err), zap.Int("output_len", len(out)))
		return map[string]string{}, nil
	}
	return found, nil
}

// parseEntities decodes the oracle output, keeping only requested fields with
// non-empty values. Numbers and booleans are kept in their JSON text form.
func parseEntities(out string, fields []string) (map[string]string, error) {
	body := extractJSONObject(stripCodeFence(out))
	if body == "" {
		return nil, fmt.Errorf("%w: no object in output", ErrExtractionParse)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}

	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[f] = true
	}

	found := make(map[string]string)
	for key, value := range raw {
		key = strings.ToLower(strings.TrimSpace(key))
		if !wanted[key] {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case json.Number:
			s = v.String()
		case bool:
			s = fmt.Sprint(v)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			found[key] = s
		}
	}
	return found, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the info string ("json")
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject returns the outermost {...} of s, tolerating prose around it.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
