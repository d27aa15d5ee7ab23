// Package schema implements the JSON-Schema subset used to validate skill
// inputs and outputs. A compiled Schema is immutable and safe for
// concurrent use.
package schema

import (
	"encoding/json"
	"fmt"
)

// Type enumerates JSON-Schema value types.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeNull    Type = "null"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// Format enumerates supported string format constraints.
type Format string

const (
	FormatDateTime Format = "date-time"
	FormatDate     Format = "date"
	FormatTime     Format = "time"
	FormatEmail    Format = "email"
	FormatURI      Format = "uri"
	FormatUUID     Format = "uuid"
	FormatHostname Format = "hostname"
	FormatIPv4     Format = "ipv4"
)

// Schema is a JSON-Schema document. The zero value (and the empty
// document `{}`) is permissive: every instance validates.
type Schema struct {
	SchemaURI   string `json:"$schema,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type Type `json:"type,omitempty"`

	// Object constraints
	Properties           map[string]*Schema    `json:"properties,omitempty"`
	Required             []string              `json:"required,omitempty"`
	AdditionalProperties *AdditionalProperties `json:"additionalProperties,omitempty"`
	MinProperties        *int                  `json:"minProperties,omitempty"`
	MaxProperties        *int                  `json:"maxProperties,omitempty"`

	// Array constraints
	Items       *Schema `json:"items,omitempty"`
	MinItems    *int    `json:"minItems,omitempty"`
	MaxItems    *int    `json:"maxItems,omitempty"`
	UniqueItems bool    `json:"uniqueItems,omitempty"`

	// Value constraints
	Enum  []any `json:"enum,omitempty"`
	Const any   `json:"const,omitempty"`

	// String constraints
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Format    Format `json:"format,omitempty"`

	// Numeric constraints
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64 `json:"multipleOf,omitempty"`

	Default any `json:"default,omitempty"`
}

// AdditionalProperties models the bool-or-schema form of the
// additionalProperties keyword.
type AdditionalProperties struct {
	Allowed bool
	Schema  *Schema
}

// UnmarshalJSON accepts either a boolean or a nested schema.
func (ap *AdditionalProperties) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		ap.Allowed = b
		ap.Schema = nil
		return nil
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("additionalProperties must be a boolean or a schema: %w", err)
	}
	ap.Allowed = true
	ap.Schema = &s
	return nil
}

// MarshalJSON emits the compact boolean form when no schema is attached.
func (ap *AdditionalProperties) MarshalJSON() ([]byte, error) {
	if ap.Schema != nil {
		return json.Marshal(ap.Schema)
	}
	return json.Marshal(ap.Allowed)
}

// IsEmpty reports whether the schema carries no constraints at all.
func (s *Schema) IsEmpty() bool {
	if s == nil {
		return true
	}
	return s.Type == "" &&
		len(s.Properties) == 0 && len(s.Required) == 0 &&
		s.AdditionalProperties == nil &&
		s.MinProperties == nil && s.MaxProperties == nil &&
		s.Items == nil && s.MinItems == nil && s.MaxItems == nil &&
		!s.UniqueItems &&
		len(s.Enum) == 0 && s.Const == nil &&
		s.MinLength == nil && s.MaxLength == nil &&
		s.Pattern == "" && s.Format == "" &&
		s.Minimum == nil && s.Maximum == nil &&
		s.ExclusiveMinimum == nil && s.ExclusiveMaximum == nil &&
		s.MultipleOf == nil
}

// Compile parses and checks a raw schema document. A nil, empty, or `{}`
// document compiles to the permissive schema. The document itself must be
// a JSON object; anything else is a malformed schema.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{}, nil
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, fmt.Errorf("schema must be a JSON object, got %T", probe)
	}

	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// check verifies structural well-formedness of the compiled schema tree.
func (s *Schema) check() error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeNull, TypeObject, TypeArray:
	default:
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	for name, prop := range s.Properties {
		if err := prop.check(); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}
	if s.Items != nil {
		if err := s.Items.check(); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}
	if s.AdditionalProperties != nil && s.AdditionalProperties.Schema != nil {
		if err := s.AdditionalProperties.Schema.check(); err != nil {
			return fmt.Errorf("additionalProperties: %w", err)
		}
	}
	return nil
}

// MarshalRaw serializes the schema back to a raw document.
func (s *Schema) MarshalRaw() (json.RawMessage, error) {
	return json.Marshal(s)
}
