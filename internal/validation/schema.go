package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema.
type Schema struct {
	schema *gojsonschema.Schema
}

type Violation struct {
	Field   string
	Type    string
	Message string
	Details map[string]any
}

func CompileSchema(src []byte) (*Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(src))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

func MustCompileSchema(src string) *Schema {
	s, err := CompileSchema([]byte(src))
	if err != nil {
		panic(err)
	}
	return s
}

// Check validates data. A non-nil error means data could not be parsed;
// schema violations are returned as values.
func (s *Schema) Check(data []byte) ([]Violation, error) {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	out := make([]Violation, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		out = append(out, Violation{
			Field:   schemaField(desc.Field()),
			Type:    desc.Type(),
			Message: desc.Description(),
			Details: desc.Details(),
		})
	}
	return out, nil
}

// Summary joins violations into one line for error responses.
func Summary(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		if v.Field == "" {
			parts = append(parts, v.Message)
			continue
		}
		parts = append(parts, v.Field+": "+v.Message)
	}
	return strings.Join(parts, "; ")
}

func schemaField(field string) string {
	if field == "(root)" {
		return ""
	}
	return strings.TrimPrefix(field, "(root).")
}
