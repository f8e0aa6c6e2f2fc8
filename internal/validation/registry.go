package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-validations/internal/domain"
)

// Entry binds a validator kind to how its results arrive. Async entries
// return PENDING and deliver an Envelope through the callback path.
type Entry struct {
	Validator Validator
	Async     bool
	Envelope  EnvelopeDecoder
}

// Registry is the closed set of validator kinds known to a process. It is
// built once at startup and read-only afterwards.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		if entry.Validator == nil {
			return nil, errors.New("registry entry validator is required")
		}
		kind := strings.TrimSpace(entry.Validator.Kind())
		if kind == "" {
			return nil, errors.New("validator kind is required")
		}
		if _, ok := r.entries[kind]; ok {
			return nil, fmt.Errorf("validator kind %q registered twice", kind)
		}
		if entry.Async && entry.Envelope == nil {
			entry.Envelope = DefaultEnvelopeDecoder()
		}
		r.entries[kind] = entry
	}
	return r, nil
}

func (r *Registry) Lookup(kind string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	entry, ok := r.entries[strings.TrimSpace(kind)]
	return entry, ok
}

func (r *Registry) Has(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.entries))
	for kind := range r.entries {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// ConfigValidator is implemented by validators that can reject a step
// config before any run uses it.
type ConfigValidator interface {
	ValidateConfig(config domain.Metadata) error
}

func (r *Registry) CheckConfig(kind string, config map[string]any) error {
	entry, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("validator kind %q is not registered", kind)
	}
	if cv, ok := entry.Validator.(ConfigValidator); ok {
		return cv.ValidateConfig(domain.Metadata(config))
	}
	return nil
}
