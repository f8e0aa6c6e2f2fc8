package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Job statuses reported in callbacks and envelopes.
const (
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusError   = "error"
)

// Envelope is the output artifact an async job writes to object storage.
type Envelope struct {
	RunID     string         `json:"runId"`
	StepRunID string         `json:"stepRunId,omitempty"`
	Validator string         `json:"validator"`
	Status    string         `json:"status"`
	Issues    []Issue        `json:"issues,omitempty"`
	Signals   map[string]any `json:"signals,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	// Output is the document output assertions are evaluated against.
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// EnvelopeDecoder turns a downloaded artifact into an Envelope.
type EnvelopeDecoder func(data []byte) (Envelope, error)

var ErrInvalidEnvelope = errors.New("invalid output envelope")

const EnvelopeSchemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["runId", "validator", "status"],
  "properties": {
    "runId": {"type": "string", "minLength": 1},
    "stepRunId": {"type": "string"},
    "validator": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["success", "failed", "error"]},
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "severity": {"type": "string"},
          "code": {"type": "string"},
          "message": {"type": "string"},
          "path": {"type": "string"},
          "meta": {"type": "object"},
          "ruleRef": {"type": "string"}
        }
      }
    },
    "signals": {"type": "object"},
    "stats": {"type": "object"},
    "output": {"type": "object"},
    "error": {"type": "string"}
  }
}`

// SchemaEnvelopeDecoder checks artifacts against schema before decoding.
func SchemaEnvelopeDecoder(schema *Schema) EnvelopeDecoder {
	return func(data []byte) (Envelope, error) {
		violations, err := schema.Check(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if len(violations) > 0 {
			return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidEnvelope, Summary(violations))
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		env.RunID = strings.TrimSpace(env.RunID)
		env.Validator = strings.TrimSpace(env.Validator)
		return env, nil
	}
}

// DefaultEnvelopeDecoder validates against EnvelopeSchemaV1.
func DefaultEnvelopeDecoder() EnvelopeDecoder {
	return SchemaEnvelopeDecoder(MustCompileSchema(EnvelopeSchemaV1))
}

// Verify rejects an envelope produced for a different run or validator.
func (e Envelope) Verify(runID, validator string) error {
	if e.RunID != runID {
		return fmt.Errorf("%w: envelope run %q does not match run %q", ErrInvalidEnvelope, e.RunID, runID)
	}
	if !strings.EqualFold(e.Validator, validator) {
		return fmt.Errorf("%w: envelope validator %q does not match step validator %q", ErrInvalidEnvelope, e.Validator, validator)
	}
	return nil
}
