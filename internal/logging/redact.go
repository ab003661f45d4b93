// internal/logging/redact.go
package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Secret creates a field for config.Secret that only records its length.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString creates a field with the value replaced by its length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder and scrubs sensitive keys and
// value patterns, both on context fields (With) and per-entry fields.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps an encoder with redaction rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{
		Encoder:      base,
		redactFields: fields,
		redactRegex:  patterns,
	}, nil
}

func (e *RedactingEncoder) sensitiveKey(key string) bool {
	return e.redactFields[strings.ToLower(key)]
}

// scrub replaces every pattern match in val.
func (e *RedactingEncoder) scrub(val string) string {
	for _, re := range e.redactRegex {
		val = re.ReplaceAllString(val, "[REDACTED]")
	}
	return val
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.sensitiveKey(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	if f.Type == zapcore.StringType {
		f.String = e.scrub(f.String)
	}
	return f
}

// AddString redacts sensitive keys and value patterns.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddString(key, e.scrub(val))
}

// AddReflected redacts the whole value when the key is sensitive.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// EncodeEntry scrubs the message and per-entry fields before delegating.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.redactFields == nil && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	ent.Message = e.scrub(ent.Message)
	scrubbed := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		scrubbed[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, scrubbed)
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}
