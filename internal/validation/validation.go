// Package validation defines the step-validation contract: a validator
// receives one step's configuration, the run payload and the signals of
// earlier steps, and returns a tri-state result.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-validations/internal/domain"
)

type Outcome string

const (
	OutcomePassed  Outcome = "PASSED"
	OutcomeFailed  Outcome = "FAILED"
	OutcomePending Outcome = "PENDING"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomePending:
		return true
	default:
		return false
	}
}

// StepStatus maps a finished outcome to the step status it implies.
func (o Outcome) StepStatus() domain.StepStatus {
	switch o {
	case OutcomePassed:
		return domain.StepStatusPassed
	case OutcomeFailed:
		return domain.StepStatusFailed
	default:
		return domain.StepStatusRunning
	}
}

// ErrTransient marks failures worth retrying (connectivity, throttling).
// Anything else returned by a validator ends the run.
var ErrTransient = errors.New("transient validation error")

type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Issue is a raw finding as produced by a validator or a job envelope.
type Issue struct {
	Severity string         `json:"severity"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Path     string         `json:"path,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	RuleRef  string         `json:"ruleRef,omitempty"`
}

type Input struct {
	RunID      string
	StepRunID  string
	TenantID   string
	Step       domain.StepDefinition
	Payload    []byte
	PayloadRef domain.PayloadRef
	// Signals holds what earlier steps published, in ordinal order.
	Signals []StepSignals
}

type StepSignals struct {
	StepRunID string
	Ordinal   int
	Signals   domain.Metadata
}

// Document decodes the payload as JSON.
func (in Input) Document() (any, error) {
	var doc any
	if err := json.Unmarshal(in.Payload, &doc); err != nil {
		return nil, fmt.Errorf("payload is not valid json: %w", err)
	}
	return doc, nil
}

// MergedSignals flattens prior signals into one map; later steps win on
// key collisions.
func (in Input) MergedSignals() map[string]any {
	out := map[string]any{}
	for _, step := range in.Signals {
		for k, v := range step.Signals {
			out[k] = v
		}
	}
	return out
}

type Result struct {
	Outcome Outcome
	Issues  []Issue
	Stats   domain.Metadata
	// Signals are derived values published to later steps.
	Signals domain.Metadata
	// AssertionsTotal counts the rules evaluated by the validator itself.
	AssertionsTotal int
	// Job describes the external job a PENDING result waits on.
	Job domain.Metadata
}

type Validator interface {
	Kind() string
	Validate(ctx context.Context, in Input) (Result, error)
}

// DecodeConfig converts a step config into out through its JSON form.
func DecodeConfig(config domain.Metadata, out any) error {
	raw, err := json.Marshal(map[string]any(config))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
