// Package assertions evaluates author-defined rules against JSON documents.
package assertions

import (
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
	"github.com/animus-labs/animus-validations/internal/validation"
)

const CodeAssertionFailed = "assertion_failed"

type Outcome struct {
	Total  int
	Issues []validation.Issue
}

// Failed counts the issues that block a step.
func (o Outcome) Failed() int {
	n := 0
	for _, issue := range o.Issues {
		if domain.NormalizeSeverity(issue.Severity) == domain.SeverityError {
			n++
		}
	}
	return n
}

// Evaluate checks every assertion against r. Each assertion that does not
// hold yields one issue carrying its id as rule reference.
func Evaluate(list []domain.Assertion, r policy.FieldResolver) Outcome {
	out := Outcome{Total: len(list)}
	for _, a := range list {
		cond := policy.Condition{Field: a.Field, Op: a.Op, Value: a.Value, Values: a.Values}
		if policy.MatchCondition(cond, r) {
			continue
		}
		actual, present := r.Field(strings.TrimSpace(a.Field))
		meta := map[string]any{"op": strings.ToLower(strings.TrimSpace(a.Op))}
		if a.Value != "" {
			meta["expected"] = a.Value
		}
		if len(a.Values) > 0 {
			meta["expected"] = a.Values
		}
		if present {
			meta["actual"] = actual
		}
		out.Issues = append(out.Issues, validation.Issue{
			Severity: severity(a.Severity),
			Code:     CodeAssertionFailed,
			Message:  message(a),
			Path:     strings.TrimSpace(a.Field),
			Meta:     meta,
			RuleRef:  strings.TrimSpace(a.ID),
		})
	}
	return out
}

// Document exposes a decoded JSON value to Evaluate. The value itself is
// reachable as "$" and object members by their dotted path.
func Document(doc any) policy.FieldResolver {
	root := map[string]any{}
	if obj, ok := doc.(map[string]any); ok {
		for k, v := range obj {
			root[k] = v
		}
	}
	return documentResolver{root: root, doc: doc}
}

type documentResolver struct {
	root map[string]any
	doc  any
}

func (d documentResolver) Field(name string) (any, bool) {
	name = strings.TrimSpace(name)
	if name == "$" {
		return d.doc, d.doc != nil
	}
	return policy.ResolvePath(d.root, strings.TrimPrefix(name, "$."))
}

func severity(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return string(domain.SeverityError)
	}
	return string(domain.NormalizeSeverity(raw))
}

func message(a domain.Assertion) string {
	if msg := strings.TrimSpace(a.Message); msg != "" {
		return msg
	}
	if desc := strings.TrimSpace(a.Description); desc != "" {
		return desc
	}
	expected := a.Value
	if len(a.Values) > 0 {
		expected = "[" + strings.Join(a.Values, ", ") + "]"
	}
	return strings.TrimSpace(fmt.Sprintf("assertion %s failed: %s %s %s", a.ID, a.Field, a.Op, expected))
}
