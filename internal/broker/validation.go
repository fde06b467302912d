// internal/broker/validation.go
package broker

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema guards against malformed messages from foreign producers
// sharing the broker. Only the envelope is checked here; the body is decoded
// later by the configured serializer.
const envelopeSchema = `{
	"type": "object",
	"required": ["id", "task", "queue", "contentType", "enqueuedAt"],
	"properties": {
		"id":          {"type": "string", "minLength": 1},
		"task":        {"type": "string", "minLength": 1},
		"queue":       {"type": "string", "minLength": 1},
		"contentType": {"type": "string", "minLength": 1},
		"priority":    {"type": "integer", "minimum": 0},
		"enqueuedAt":  {"type": "string"},
		"retries":     {"type": "integer", "minimum": 0},
		"maxRetries":  {"type": "integer", "minimum": 0},
		"eta":         {"type": "string"}
	}
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// ValidateEnvelope checks a raw wire message against the envelope schema.
func ValidateEnvelope(raw string) error {
	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("envelope validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
