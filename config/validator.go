package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON Schema a config document must satisfy before it is
// parsed. Structural validation here keeps malformed KV pushes and config
// files from ever reaching the semantic checks.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "version": {"type": "string"},
    "nats": {
      "type": "object",
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "maxReconnects": {"type": "integer"},
        "reconnectWait": {"type": "integer"},
        "username": {"type": "string"},
        "password": {"type": "string"}
      },
      "additionalProperties": false
    },
    "autoRevoke": {
      "type": "object",
      "properties": {
        "unusedThresholdDays": {"type": "integer", "minimum": 1},
        "checkIntervalDays": {"type": "integer", "minimum": 1},
        "workers": {"type": "integer", "minimum": 0},
        "debugOverride": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "metrics": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// ValidateJSON checks a raw config document against the schema.
func ValidateJSON(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
