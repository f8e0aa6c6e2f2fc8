// Package jsonschema validates run payloads against a JSON schema embedded
// in the step config.
package jsonschema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const Kind = "json_schema"

type config struct {
	Schema   map[string]any `json:"schema"`
	Severity string         `json:"severity,omitempty"`
}

type compiled struct {
	schema   *validation.Schema
	severity string
}

// Validator caches compiled schemas by step id; step definitions are
// immutable for a given id.
type Validator struct {
	mu    sync.Mutex
	cache map[string]compiled
}

func New() *Validator {
	return &Validator{cache: map[string]compiled{}}
}

func (v *Validator) Kind() string { return Kind }

func (v *Validator) ValidateConfig(cfg domain.Metadata) error {
	_, _, err := compile(cfg)
	return err
}

func (v *Validator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	c, err := v.schemaFor(in.Step)
	if err != nil {
		return validation.Result{}, err
	}
	severity := c.severity

	if !json.Valid(in.Payload) {
		return validation.Result{
			Outcome: validation.OutcomeFailed,
			Issues: []validation.Issue{{
				Severity: string(domain.SeverityError),
				Code:     "invalid_json",
				Message:  "payload is not valid json",
			}},
			Stats:   domain.Metadata{"violations": 1},
			Signals: domain.Metadata{"schema_valid": false},
		}, nil
	}

	violations, err := c.schema.Check(in.Payload)
	if err != nil {
		return validation.Result{}, err
	}
	issues := make([]validation.Issue, 0, len(violations))
	for _, violation := range violations {
		issues = append(issues, validation.Issue{
			Severity: severity,
			Code:     "schema." + violation.Type,
			Message:  violation.Message,
			Path:     violation.Field,
			Meta:     violation.Details,
		})
	}

	outcome := validation.OutcomePassed
	if len(violations) > 0 && domain.NormalizeSeverity(severity) == domain.SeverityError {
		outcome = validation.OutcomeFailed
	}
	return validation.Result{
		Outcome: outcome,
		Issues:  issues,
		Stats:   domain.Metadata{"violations": len(violations)},
		Signals: domain.Metadata{"schema_valid": len(violations) == 0},
	}, nil
}

func (v *Validator) schemaFor(step domain.StepDefinition) (compiled, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.cache[step.ID]; ok {
		return c, nil
	}
	schema, severity, err := compile(step.Config)
	if err != nil {
		return compiled{}, err
	}
	c := compiled{schema: schema, severity: severity}
	if step.ID != "" {
		v.cache[step.ID] = c
	}
	return c, nil
}

func compile(raw domain.Metadata) (*validation.Schema, string, error) {
	var cfg config
	if err := validation.DecodeConfig(raw, &cfg); err != nil {
		return nil, "", err
	}
	if len(cfg.Schema) == 0 {
		return nil, "", errors.New("schema is required")
	}
	src, err := json.Marshal(cfg.Schema)
	if err != nil {
		return nil, "", fmt.Errorf("encode schema: %w", err)
	}
	schema, err := validation.CompileSchema(src)
	if err != nil {
		return nil, "", err
	}
	severity := string(domain.SeverityError)
	if cfg.Severity != "" {
		severity = string(domain.NormalizeSeverity(cfg.Severity))
	}
	return schema, severity, nil
}
