package handoff

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// PacketSchema is the JSON Schema for the packet wire form.
const PacketSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "CompletionMessage",
  "type": "object",
  "required": ["task_id", "worker_id", "status", "created_at"],
  "additionalProperties": false,
  "properties": {
    "packet_id": {"type": "string"},
    "workflow_id": {"type": "string"},
    "task_id": {"type": "string", "minLength": 1},
    "worker_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["SUCCESS", "FAILURE", "PENDING", "BLOCKED"]},
    "artifacts": {"type": "array", "items": {"type": "string"}},
    "next_step_hint": {"type": "string"},
    "notes": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"},
    "dependencies_satisfied": {"type": "array", "items": {"type": "string"}},
    "blocking_issues": {"type": "array", "items": {"type": "string"}},
    "corrects": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(PacketSchema))
})

// CheckSchema validates a raw JSON document against PacketSchema.
func CheckSchema(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile packet schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Field: "packet", Reason: fmt.Sprintf("is not valid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	descriptions := make([]string, 0, len(errs))
	for _, e := range errs {
		descriptions = append(descriptions, e.String())
	}
	return &ValidationError{
		Field:  errs[0].Field(),
		Reason: strings.Join(descriptions, "; "),
	}
}

// Decode parses a packet from its wire form. The document must satisfy
// PacketSchema and the packet must pass Validate with no prior history.
func Decode(raw []byte) (Packet, error) {
	if err := CheckSchema(raw); err != nil {
		return Packet{}, err
	}

	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, &ValidationError{Field: "packet", Reason: err.Error()}
	}
	p = p.normalized()
	if err := Validate(p, time.Time{}); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// Encode renders p in its wire form.
func Encode(p Packet) ([]byte, error) {
	return json.Marshal(p)
}
