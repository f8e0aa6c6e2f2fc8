package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
)

const SchemaV1 = "validations.pipeline.v1"

// KindChecker reports whether a validator kind is registered.
type KindChecker interface {
	Has(kind string) bool
}

// ConfigChecker is implemented by kind checkers that can also validate a
// step's config for its kind.
type ConfigChecker interface {
	CheckConfig(kind string, config map[string]any) error
}

type Spec struct {
	Schema   string     `yaml:"schema"`
	ID       string     `yaml:"id"`
	TenantID string     `yaml:"tenant_id,omitempty"`
	Name     string     `yaml:"name,omitempty"`
	Version  int        `yaml:"version,omitempty"`
	Steps    []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	Key        string             `yaml:"key"`
	Ordinal    int                `yaml:"ordinal,omitempty"`
	Validator  string             `yaml:"validator"`
	Config     map[string]any     `yaml:"config,omitempty"`
	Assertions []domain.Assertion `yaml:"assertions,omitempty"`
}

// ValidationError aggregates pipeline definition issues.
type ValidationError struct {
	Source string
	Issues []string
}

func (e *ValidationError) Error() string {
	prefix := "pipeline validation failed"
	if e.Source != "" {
		prefix = fmt.Sprintf("pipeline %s validation failed", e.Source)
	}
	if len(e.Issues) == 0 {
		return prefix
	}
	return prefix + ": " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Parse decodes and validates a YAML pipeline definition.
func Parse(source string, data []byte, kinds KindChecker) (domain.Pipeline, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return domain.Pipeline{}, fmt.Errorf("decode pipeline %s: %w", source, err)
	}
	if err := spec.Validate(source, kinds); err != nil {
		return domain.Pipeline{}, err
	}
	return spec.ToDomain(), nil
}

func (s Spec) Validate(source string, kinds KindChecker) error {
	issues := &ValidationError{Source: source}
	if strings.TrimSpace(s.Schema) != SchemaV1 {
		issues.Add(fmt.Sprintf("schema must be %q", SchemaV1))
	}
	if strings.TrimSpace(s.ID) == "" {
		issues.Add("id is required")
	}
	if len(s.Steps) == 0 {
		issues.Add("steps must be non-empty")
	}

	keys := make(map[string]struct{}, len(s.Steps))
	for i, step := range s.Steps {
		key := strings.TrimSpace(step.Key)
		if key == "" {
			issues.Add(fmt.Sprintf("steps[%d].key is required", i))
			continue
		}
		if _, ok := keys[key]; ok {
			issues.Add(fmt.Sprintf("duplicate step key %q", key))
		}
		keys[key] = struct{}{}

		if step.Ordinal != 0 && step.Ordinal != i+1 {
			issues.Add(fmt.Sprintf("step[%s] ordinal %d must equal its position %d", key, step.Ordinal, i+1))
		}
		kind := strings.TrimSpace(step.Validator)
		switch {
		case kind == "":
			issues.Add(fmt.Sprintf("step[%s] validator is required", key))
		case kinds != nil && !kinds.Has(kind):
			issues.Add(fmt.Sprintf("step[%s] validator %q is not registered", key, kind))
		default:
			if checker, ok := kinds.(ConfigChecker); ok {
				if err := checker.CheckConfig(kind, step.Config); err != nil {
					issues.Add(fmt.Sprintf("step[%s] config: %v", key, err))
				}
			}
		}

		ids := make(map[string]struct{}, len(step.Assertions))
		for j, a := range step.Assertions {
			if strings.TrimSpace(a.ID) == "" {
				issues.Add(fmt.Sprintf("step[%s] assertions[%d].id is required", key, j))
				continue
			}
			if _, ok := ids[a.ID]; ok {
				issues.Add(fmt.Sprintf("step[%s] duplicate assertion id %q", key, a.ID))
			}
			ids[a.ID] = struct{}{}
			cond := policy.Condition{Field: a.Field, Op: a.Op, Value: a.Value, Values: a.Values}
			if err := policy.ValidateCondition(cond); err != nil {
				issues.Add(fmt.Sprintf("step[%s] assertion %s: %v", key, a.ID, err))
			}
		}
	}
	return issues.OrNil()
}

func (s Spec) ToDomain() domain.Pipeline {
	id := strings.TrimSpace(s.ID)
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = id
	}
	p := domain.Pipeline{
		ID:       id,
		TenantID: strings.TrimSpace(s.TenantID),
		Name:     name,
		Version:  s.Version,
		Steps:    make([]domain.StepDefinition, 0, len(s.Steps)),
	}
	for i, step := range s.Steps {
		ordinal := i + 1
		key := strings.TrimSpace(step.Key)
		p.Steps = append(p.Steps, domain.StepDefinition{
			ID:               domain.StepID(id, ordinal, key),
			PipelineID:       id,
			Key:              key,
			Ordinal:          ordinal,
			Validator:        strings.TrimSpace(step.Validator),
			Config:           domain.Metadata(step.Config).Clone(),
			OutputAssertions: step.Assertions,
		})
	}
	return p
}
