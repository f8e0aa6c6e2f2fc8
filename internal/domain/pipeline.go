package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var stepNamespace = uuid.MustParse("6f1c9a52-8f1e-4c55-9d1b-3a0f6f5e7c11")

// Pipeline is an ordered sequence of validation steps.
type Pipeline struct {
	ID       string
	TenantID string
	Name     string
	Version  int
	Steps    []StepDefinition
}

type StepDefinition struct {
	ID               string
	PipelineID       string
	Key              string
	Ordinal          int
	Validator        string
	Config           Metadata
	OutputAssertions []Assertion
}

// Assertion is an author-defined rule evaluated against a document.
type Assertion struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Field       string   `json:"field" yaml:"field"`
	Op          string   `json:"op" yaml:"op"`
	Value       string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values      []string `json:"values,omitempty" yaml:"values,omitempty"`
	Severity    string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message     string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// StepID derives a stable identifier for a step so re-syncing a pipeline
// keeps existing step runs pointing at the same definition.
func StepID(pipelineID string, ordinal int, key string) string {
	name := fmt.Sprintf("%s/%d/%s", strings.TrimSpace(pipelineID), ordinal, strings.TrimSpace(key))
	return uuid.NewSHA1(stepNamespace, []byte(name)).String()
}

// StepAt returns the step with the given ordinal.
func (p Pipeline) StepAt(ordinal int) (StepDefinition, bool) {
	for _, step := range p.Steps {
		if step.Ordinal == ordinal {
			return step, true
		}
	}
	return StepDefinition{}, false
}

func (p Pipeline) LastOrdinal() int {
	last := 0
	for _, step := range p.Steps {
		if step.Ordinal > last {
			last = step.Ordinal
		}
	}
	return last
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("pipeline must have at least one step")
	}
	keys := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.Ordinal != i+1 {
			return fmt.Errorf("steps[%d].ordinal=%d, want %d", i, step.Ordinal, i+1)
		}
		if strings.TrimSpace(step.Key) == "" {
			return fmt.Errorf("steps[%d].key is required", i)
		}
		if _, ok := keys[step.Key]; ok {
			return fmt.Errorf("steps[%d].key must be unique (duplicate %q)", i, step.Key)
		}
		keys[step.Key] = struct{}{}
		if strings.TrimSpace(step.Validator) == "" {
			return fmt.Errorf("steps[%d].validator is required", i)
		}
		if step.ID != StepID(p.ID, step.Ordinal, step.Key) {
			return fmt.Errorf("steps[%d].id does not match its ordinal and key", i)
		}
	}
	return nil
}
