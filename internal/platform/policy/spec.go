// Package policy holds the tenant admission policy document and the
// condition matcher shared by admission rules, ruleset validators and
// output assertions.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "validations.policy.v1"

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

type Spec struct {
	Schema        string                    `json:"schema" yaml:"schema"`
	DefaultEffect string                    `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Rules         []Rule                    `json:"rules" yaml:"rules"`
	Tenants       map[string]TenantSettings `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string         `json:"effect" yaml:"effect"`
	When        ConditionGroup `json:"when" yaml:"when"`
}

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// TenantSettings carries per-tenant knobs that are not allow/deny rules.
type TenantSettings struct {
	Retention      string  `json:"retention,omitempty" yaml:"retention,omitempty"`
	LaunchesPerMin float64 `json:"launches_per_minute,omitempty" yaml:"launches_per_minute,omitempty"`
	LaunchBurst    int     `json:"launch_burst,omitempty" yaml:"launch_burst,omitempty"`
	MaxInputBytes  int64   `json:"max_input_bytes,omitempty" yaml:"max_input_bytes,omitempty"`
}

const (
	RetentionKeep        = "keep"
	RetentionDeleteInput = "delete_input"
)

// ParseSpec decodes a YAML policy. Unknown keys are rejected so a typo in a
// limit name does not silently disable it.
func ParseSpec(input []byte) (Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	defaultEffect := normalizeString(s.DefaultEffect)
	if defaultEffect != "" && normalizeEffect(defaultEffect) == "" {
		return fmt.Errorf("spec.default_effect unsupported: %q", s.DefaultEffect)
	}
	if len(s.Rules) == 0 && defaultEffect == "" {
		return errors.New("spec.rules must be non-empty when default_effect is unset")
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		id := strings.TrimSpace(rule.ID)
		if _, dup := seen[id]; dup && id != "" {
			return fmt.Errorf("spec.rules[%d].id must be unique (duplicate %q)", i, id)
		}
		seen[id] = struct{}{}
		if err := rule.validate(); err != nil {
			return fmt.Errorf("spec.rules[%d]%w", i, err)
		}
	}
	for tenant, settings := range s.Tenants {
		if strings.TrimSpace(tenant) == "" {
			return errors.New("spec.tenants keys must be non-empty")
		}
		if err := settings.validate(); err != nil {
			return fmt.Errorf("spec.tenants[%s]%w", tenant, err)
		}
	}
	return nil
}

// validate errors are suffixes of a "spec.rules[i]" path.
func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New(".id is required")
	}
	switch effect := normalizeString(r.Effect); {
	case effect == "":
		return errors.New(".effect is required")
	case normalizeEffect(effect) == "":
		return fmt.Errorf(".effect unsupported: %q", r.Effect)
	}
	if len(r.When.All) == 0 && len(r.When.Any) == 0 {
		return errors.New(".when must include all or any")
	}
	for _, group := range []struct {
		name  string
		conds []Condition
	}{{"all", r.When.All}, {"any", r.When.Any}} {
		for j, cond := range group.conds {
			if err := ValidateCondition(cond); err != nil {
				return fmt.Errorf(".when.%s[%d]: %w", group.name, j, err)
			}
		}
	}
	return nil
}

func (t TenantSettings) validate() error {
	switch normalizeString(t.Retention) {
	case "", RetentionKeep, RetentionDeleteInput:
	default:
		return fmt.Errorf(".retention unsupported: %q", t.Retention)
	}
	if t.LaunchesPerMin < 0 || t.LaunchBurst < 0 || t.MaxInputBytes < 0 {
		return errors.New(" limits must be >= 0")
	}
	return nil
}

// ValidateCondition checks a single condition independently of where it is
// used (admission rules, ruleset validators or step assertions).
func ValidateCondition(cond Condition) error {
	if strings.TrimSpace(cond.Field) == "" {
		return errors.New("field is required")
	}
	op := normalizeString(cond.Op)
	switch op {
	case "":
		return errors.New("op is required")
	case "exists", "not_exists":
		return nil
	case "in", "not_in":
		if len(trimNonEmpty(cond.Values)) == 0 {
			return fmt.Errorf("values must be non-empty for %s", op)
		}
		return nil
	}
	if _, ok := operators[op]; !ok {
		return fmt.Errorf("op unsupported: %q", cond.Op)
	}
	if strings.TrimSpace(cond.Value) == "" {
		return fmt.Errorf("value is required for %s", op)
	}
	if op == "matches" {
		if _, ok := compiled(strings.TrimSpace(cond.Value)); !ok {
			return fmt.Errorf("value is not a valid pattern: %q", cond.Value)
		}
	}
	return nil
}

// trimNonEmpty drops blanks and case-insensitive duplicates, keeping order.
func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup || v == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
