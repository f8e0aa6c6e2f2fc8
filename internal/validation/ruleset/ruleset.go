// Package ruleset evaluates the assertions listed in a step config against
// the run payload. Signals published by earlier steps are addressable
// under "signals.".
package ruleset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/assertions"
	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const Kind = "ruleset"

type config struct {
	Rules []domain.Assertion `json:"rules"`
}

type Validator struct{}

func New() Validator { return Validator{} }

func (Validator) Kind() string { return Kind }

func (Validator) ValidateConfig(raw domain.Metadata) error {
	_, err := rules(raw)
	return err
}

func (Validator) Validate(ctx context.Context, in validation.Input) (validation.Result, error) {
	list, err := rules(in.Step.Config)
	if err != nil {
		return validation.Result{}, err
	}
	doc, err := in.Document()
	if err != nil {
		return validation.Result{
			Outcome: validation.OutcomeFailed,
			Issues: []validation.Issue{{
				Severity: string(domain.SeverityError),
				Code:     "invalid_json",
				Message:  "payload is not valid json",
			}},
		}, nil
	}

	resolver := withSignals{doc: assertions.Document(doc), signals: in.MergedSignals()}
	out := assertions.Evaluate(list, resolver)

	outcome := validation.OutcomePassed
	if out.Failed() > 0 {
		outcome = validation.OutcomeFailed
	}
	return validation.Result{
		Outcome:         outcome,
		Issues:          out.Issues,
		AssertionsTotal: out.Total,
		Stats: domain.Metadata{
			"rules":  out.Total,
			"failed": out.Failed(),
		},
		Signals: domain.Metadata{"ruleset_passed": outcome == validation.OutcomePassed},
	}, nil
}

type withSignals struct {
	doc     policy.FieldResolver
	signals map[string]any
}

func (w withSignals) Field(name string) (any, bool) {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(name), "signals."); ok {
		return policy.ResolvePath(w.signals, rest)
	}
	return w.doc.Field(name)
}

func rules(raw domain.Metadata) ([]domain.Assertion, error) {
	var cfg config
	if err := validation.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, errors.New("rules must be non-empty")
	}
	for i, rule := range cfg.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, fmt.Errorf("rules[%d].id is required", i)
		}
		cond := policy.Condition{Field: rule.Field, Op: rule.Op, Value: rule.Value, Values: rule.Values}
		if err := policy.ValidateCondition(cond); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return cfg.Rules, nil
}
