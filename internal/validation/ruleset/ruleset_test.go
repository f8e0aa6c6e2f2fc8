package ruleset

import (
	"context"
	"testing"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/validation"
)

func step(rules ...map[string]any) domain.StepDefinition {
	list := make([]any, 0, len(rules))
	for _, r := range rules {
		list = append(list, r)
	}
	return domain.StepDefinition{ID: "s2", Key: "rules", Ordinal: 2, Validator: Kind, Config: domain.Metadata{"rules": list}}
}

func TestValidate_ErrorRuleFails(t *testing.T) {
	in := validation.Input{
		Step: step(
			map[string]any{"id": "total-positive", "field": "total", "op": "gt", "value": "0"},
			map[string]any{"id": "note", "field": "note", "op": "exists", "severity": "info"},
		),
		Payload: []byte(`{"total": 0}`),
	}
	res, err := New().Validate(context.Background(), in)
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if res.Outcome != validation.OutcomeFailed {
		t.Fatalf("outcome=%s, want FAILED", res.Outcome)
	}
	if res.AssertionsTotal != 2 || len(res.Issues) != 2 {
		t.Fatalf("total=%d issues=%d", res.AssertionsTotal, len(res.Issues))
	}
}

func TestValidate_InfoRuleDoesNotBlock(t *testing.T) {
	in := validation.Input{
		Step:    step(map[string]any{"id": "note", "field": "note", "op": "exists", "severity": "info"}),
		Payload: []byte(`{"total": 3}`),
	}
	res, err := New().Validate(context.Background(), in)
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if res.Outcome != validation.OutcomePassed || len(res.Issues) != 1 || res.Issues[0].RuleRef != "note" {
		t.Fatalf("result=%+v", res)
	}
}

func TestValidate_ReadsPriorSignals(t *testing.T) {
	in := validation.Input{
		Step:    step(map[string]any{"id": "schema-ok", "field": "signals.schema_valid", "op": "eq", "value": "true"}),
		Payload: []byte(`{}`),
		Signals: []validation.StepSignals{{StepRunID: "sr1", Ordinal: 1, Signals: domain.Metadata{"schema_valid": true}}},
	}
	res, err := New().Validate(context.Background(), in)
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if res.Outcome != validation.OutcomePassed {
		t.Fatalf("result=%+v", res)
	}
}

func TestValidateConfig(t *testing.T) {
	v := New()
	if err := v.ValidateConfig(domain.Metadata{}); err == nil {
		t.Fatalf("expected empty rules to be rejected")
	}
	bad := step(map[string]any{"id": "x", "field": "total", "op": "approximately"}).Config
	if err := v.ValidateConfig(bad); err == nil {
		t.Fatalf("expected unknown op to be rejected")
	}
}
