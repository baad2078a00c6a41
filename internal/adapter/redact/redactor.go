package redact

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks secret fields of notification channel configs before they
// leave the API, and puts the stored secrets back when a masked config is
// submitted again. Field names match case-insensitively at any depth.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given field names.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if f := strings.ToLower(strings.TrimSpace(field)); f != "" {
			fieldSet[f] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "redactor"),
	}
}

func (r *Redactor) secret(key string) bool {
	_, ok := r.fieldsToRedact[strings.ToLower(key)]
	return ok
}

// Mask returns a copy of cfg with every non-empty secret replaced by the
// placeholder. A config that is not a JSON object is returned unchanged.
func (r *Redactor) Mask(cfg json.RawMessage) json.RawMessage {
	if len(r.fieldsToRedact) == 0 || len(cfg) == 0 {
		return cfg
	}
	var doc map[string]any
	if err := json.Unmarshal(cfg, &doc); err != nil {
		return cfg
	}
	if !r.mask(doc) {
		return cfg
	}
	out, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("failed to marshal masked config", "error", err)
		return cfg
	}
	return out
}

func (r *Redactor) mask(doc map[string]any) bool {
	redacted := false
	for k, v := range doc {
		if r.secret(k) {
			if s, ok := v.(string); !ok || s != "" {
				doc[k] = RedactedPlaceholder
				redacted = true
			}
			continue
		}
		if nested, ok := v.(map[string]any); ok && r.mask(nested) {
			redacted = true
		}
	}
	return redacted
}

// Unmask replaces placeholders in incoming with the values at the same path
// in stored. Placeholders with no stored counterpart are left as they are.
func (r *Redactor) Unmask(incoming, stored json.RawMessage) json.RawMessage {
	if len(r.fieldsToRedact) == 0 || !bytes.Contains(incoming, []byte(RedactedPlaceholder)) {
		return incoming
	}
	var in, old map[string]any
	if err := json.Unmarshal(incoming, &in); err != nil {
		return incoming
	}
	if err := json.Unmarshal(stored, &old); err != nil {
		r.logger.Warn("stored config is not a JSON object, secrets not restored", "error", err)
		return incoming
	}
	if !r.unmask(in, old) {
		return incoming
	}
	out, err := json.Marshal(in)
	if err != nil {
		r.logger.Error("failed to marshal restored config", "error", err)
		return incoming
	}
	return out
}

func (r *Redactor) unmask(in, old map[string]any) bool {
	restored := false
	for k, v := range in {
		switch v := v.(type) {
		case string:
			if v != RedactedPlaceholder || !r.secret(k) {
				continue
			}
			if prev, ok := old[k]; ok {
				in[k] = prev
				restored = true
			}
		case map[string]any:
			if prevNested, ok := old[k].(map[string]any); ok && r.unmask(v, prevNested) {
				restored = true
			}
		}
	}
	return restored
}
