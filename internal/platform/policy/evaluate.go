package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// FieldResolver looks up a dotted field name. ok reports whether the field
// is present.
type FieldResolver interface {
	Field(name string) (any, bool)
}

// Context is the admission view of a launch request.
type Context struct {
	Actor    ActorContext      `json:"actor"`
	TenantID string            `json:"tenant_id"`
	Pipeline PipelineContext   `json:"pipeline"`
	Input    InputContext      `json:"input"`
	Labels   map[string]string `json:"labels,omitempty"`
	Meta     map[string]any    `json:"meta,omitempty"`
}

type ActorContext struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

type PipelineContext struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type InputContext struct {
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

type Decision struct {
	Effect      string `json:"effect"`
	RuleID      string `json:"rule_id,omitempty"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Evaluate returns the effect of the first matching rule, or the default
// effect (deny when unset).
func Evaluate(spec Spec, ctx Context) (Decision, error) {
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}
	for _, rule := range spec.Rules {
		if rule.When.matches(ctx) {
			return Decision{
				Effect:      normalizeEffect(rule.Effect),
				RuleID:      strings.TrimSpace(rule.ID),
				Description: strings.TrimSpace(rule.Description),
				Reason:      "rule_match",
			}, nil
		}
	}
	effect := normalizeEffect(spec.DefaultEffect)
	if effect == "" {
		effect = EffectDeny
	}
	return Decision{Effect: effect, Reason: "default"}, nil
}

// matches requires every All condition and, when Any is set, at least one
// Any condition.
func (g ConditionGroup) matches(r FieldResolver) bool {
	for _, cond := range g.All {
		if !MatchCondition(cond, r) {
			return false
		}
	}
	if len(g.Any) == 0 {
		return true
	}
	for _, cond := range g.Any {
		if MatchCondition(cond, r) {
			return true
		}
	}
	return false
}

type opFunc func(value any, cond Condition) bool

func negate(f opFunc) opFunc {
	return func(value any, cond Condition) bool { return !f(value, cond) }
}

func numeric(cmp func(l, r float64) bool) opFunc {
	return func(value any, cond Condition) bool {
		left, ok := toFloat64(value)
		if !ok {
			return false
		}
		right, ok := parseFloat(cond.Value)
		return ok && cmp(left, right)
	}
}

// operators holds every op a Condition may name except exists/not_exists,
// which MatchCondition answers before resolving a value.
var operators = map[string]opFunc{
	"eq":           opEqual,
	"neq":          negate(opEqual),
	"in":           opIn,
	"not_in":       negate(opIn),
	"contains":     opContains,
	"not_contains": negate(opContains),
	"matches":      opMatches,
	"gt":           numeric(func(l, r float64) bool { return l > r }),
	"gte":          numeric(func(l, r float64) bool { return l >= r }),
	"lt":           numeric(func(l, r float64) bool { return l < r }),
	"lte":          numeric(func(l, r float64) bool { return l <= r }),
}

// MatchCondition evaluates cond against the values exposed by r.
func MatchCondition(cond Condition, r FieldResolver) bool {
	op := normalizeString(cond.Op)
	value, ok := r.Field(strings.TrimSpace(cond.Field))
	switch op {
	case "exists":
		return ok
	case "not_exists":
		return !ok
	}
	if !ok {
		return false
	}
	f, known := operators[op]
	return known && f(value, cond)
}

// anyElement reports whether pred holds for value itself or, for lists, for
// one of its elements.
func anyElement(value any, pred func(string) bool) bool {
	switch typed := value.(type) {
	case string:
		return pred(typed)
	case []string:
		for _, item := range typed {
			if pred(item) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if pred(fmt.Sprint(item)) {
				return true
			}
		}
		return false
	default:
		return pred(fmt.Sprint(value))
	}
}

func opEqual(value any, cond Condition) bool {
	if left, ok := toFloat64(value); ok {
		if right, ok := parseFloat(cond.Value); ok {
			return left == right
		}
	}
	target := normalizeString(cond.Value)
	return anyElement(value, func(s string) bool { return normalizeString(s) == target })
}

func opIn(value any, cond Condition) bool {
	set := make(map[string]struct{}, len(cond.Values))
	for _, v := range trimNonEmpty(cond.Values) {
		set[normalizeString(v)] = struct{}{}
	}
	if len(set) == 0 {
		return false
	}
	return anyElement(value, func(s string) bool {
		_, ok := set[normalizeString(s)]
		return ok
	})
}

// opContains is a substring test on scalars and a membership test on lists.
func opContains(value any, cond Condition) bool {
	target := normalizeString(cond.Value)
	if target == "" {
		return false
	}
	switch value.(type) {
	case []string, []any:
		return anyElement(value, func(s string) bool { return normalizeString(s) == target })
	}
	return strings.Contains(normalizeString(fmt.Sprint(value)), target)
}

var regexCache sync.Map

func compiled(pattern string) (*regexp.Regexp, bool) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	regexCache.Store(pattern, re)
	return re, true
}

func opMatches(value any, cond Condition) bool {
	pattern := strings.TrimSpace(cond.Value)
	if pattern == "" {
		return false
	}
	re, ok := compiled(pattern)
	return ok && anyElement(value, re.MatchString)
}

func (c Context) Field(name string) (any, bool) {
	key := normalizeString(name)
	present := func(s string) (any, bool) { return s, strings.TrimSpace(s) != "" }
	switch key {
	case "":
		return nil, false
	case "actor.subject", "subject":
		return present(c.Actor.Subject)
	case "actor.roles", "roles":
		return c.Actor.Roles, len(c.Actor.Roles) > 0
	case "tenant.id", "tenant_id":
		return present(c.TenantID)
	case "pipeline.id", "pipeline_id":
		return present(c.Pipeline.ID)
	case "pipeline.name":
		return present(c.Pipeline.Name)
	case "input.size_bytes", "input.size":
		return c.Input.SizeBytes, true
	case "input.content_type":
		return present(c.Input.ContentType)
	}
	if label, ok := strings.CutPrefix(key, "labels."); ok {
		value, found := c.Labels[label]
		return value, found
	}
	if path, ok := strings.CutPrefix(key, "meta."); ok {
		return ResolvePath(c.Meta, path)
	}
	return nil, false
}

// MapResolver resolves dotted paths inside decoded JSON documents.
type MapResolver map[string]any

func (m MapResolver) Field(name string) (any, bool) {
	return ResolvePath(m, name)
}

// ResolvePath walks maps by key and slices by numeric index.
func ResolvePath(root map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if len(root) == 0 || path == "" {
		return nil, false
	}
	var current any = root
	for _, part := range strings.Split(path, ".") {
		key := strings.TrimSpace(part)
		if key == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

func toFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		return parseFloat(n)
	case nil, bool, map[string]any, []any, []string:
		return 0, false
	default:
		return parseFloat(fmt.Sprint(n))
	}
}

func parseFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	return f, err == nil
}

func normalizeEffect(effect string) string {
	switch e := normalizeString(effect); e {
	case EffectAllow, EffectDeny:
		return e
	default:
		return ""
	}
}

func normalizeString(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
