package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Violation describes a single constraint failure. Path is a JSON pointer
// to the offending value, Keyword names the failed constraint.
type Violation struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Violations aggregates all failures from one validation pass.
type Violations []Violation

// Error implements the error interface.
func (vs Violations) Error() string {
	if len(vs) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

var formatCheckers = map[Format]*regexp.Regexp{
	FormatEmail:    regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	FormatURI:      regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`),
	FormatUUID:     regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
	FormatDateTime: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`),
	FormatDate:     regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	FormatTime:     regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`),
	FormatHostname: regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`),
	FormatIPv4:     regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`),
}

// Validate checks an already-decoded JSON value against the schema and
// returns every violation found. A nil or empty schema accepts anything.
func (s *Schema) Validate(doc any) Violations {
	if s.IsEmpty() {
		return nil
	}
	var out Violations
	s.validateValue(doc, "", &out)
	return out
}

// ValidateRaw decodes raw JSON and validates it. Empty input is treated
// as an empty object, matching the null-inputs edge policy.
func (s *Schema) ValidateRaw(raw json.RawMessage) Violations {
	var doc any = map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Violations{{Path: "", Keyword: "syntax", Message: fmt.Sprintf("invalid JSON: %v", err)}}
		}
	}
	return s.Validate(doc)
}

func (s *Schema) validateValue(value any, path string, out *Violations) {
	if s == nil {
		return
	}

	if s.Const != nil {
		if !looseEqual(value, s.Const) {
			add(out, path, "const", fmt.Sprintf("value must be %v", s.Const))
		}
		return
	}

	if len(s.Enum) > 0 {
		found := false
		for _, ev := range s.Enum {
			if looseEqual(value, ev) {
				found = true
				break
			}
		}
		if !found {
			add(out, path, "enum", fmt.Sprintf("value must be one of %v", s.Enum))
		}
	}

	switch s.Type {
	case TypeString:
		s.validateString(value, path, out)
	case TypeNumber:
		s.validateNumber(value, path, out, false)
	case TypeInteger:
		s.validateNumber(value, path, out, true)
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			add(out, path, "type", fmt.Sprintf("expected boolean, got %s", typeName(value)))
		}
	case TypeNull:
		if value != nil {
			add(out, path, "type", fmt.Sprintf("expected null, got %s", typeName(value)))
		}
	case TypeObject:
		s.validateObject(value, path, out)
	case TypeArray:
		s.validateArray(value, path, out)
	}
}

func (s *Schema) validateString(value any, path string, out *Violations) {
	str, ok := value.(string)
	if !ok {
		add(out, path, "type", fmt.Sprintf("expected string, got %s", typeName(value)))
		return
	}
	if s.MinLength != nil && len(str) < *s.MinLength {
		add(out, path, "minLength", fmt.Sprintf("string length %d is less than minimum %d", len(str), *s.MinLength))
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		add(out, path, "maxLength", fmt.Sprintf("string length %d exceeds maximum %d", len(str), *s.MaxLength))
	}
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			add(out, path, "pattern", fmt.Sprintf("invalid pattern %q: %v", s.Pattern, err))
		} else if !re.MatchString(str) {
			add(out, path, "pattern", fmt.Sprintf("string does not match pattern %q", s.Pattern))
		}
	}
	if s.Format != "" {
		if re, ok := formatCheckers[s.Format]; ok && !re.MatchString(str) {
			add(out, path, "format", fmt.Sprintf("string does not match format %q", s.Format))
		}
	}
}

func (s *Schema) validateNumber(value any, path string, out *Violations, wantInt bool) {
	num, ok := toFloat64(value)
	if !ok {
		add(out, path, "type", fmt.Sprintf("expected number, got %s", typeName(value)))
		return
	}
	if wantInt && num != math.Trunc(num) {
		add(out, path, "type", fmt.Sprintf("expected integer, got %v", num))
		return
	}
	if s.Minimum != nil && num < *s.Minimum {
		add(out, path, "minimum", fmt.Sprintf("value %v is less than minimum %v", num, *s.Minimum))
	}
	if s.Maximum != nil && num > *s.Maximum {
		add(out, path, "maximum", fmt.Sprintf("value %v exceeds maximum %v", num, *s.Maximum))
	}
	if s.ExclusiveMinimum != nil && num <= *s.ExclusiveMinimum {
		add(out, path, "exclusiveMinimum", fmt.Sprintf("value %v must be greater than %v", num, *s.ExclusiveMinimum))
	}
	if s.ExclusiveMaximum != nil && num >= *s.ExclusiveMaximum {
		add(out, path, "exclusiveMaximum", fmt.Sprintf("value %v must be less than %v", num, *s.ExclusiveMaximum))
	}
	if s.MultipleOf != nil && *s.MultipleOf != 0 {
		if q := num / *s.MultipleOf; q != math.Trunc(q) {
			add(out, path, "multipleOf", fmt.Sprintf("value %v is not a multiple of %v", num, *s.MultipleOf))
		}
	}
}

func (s *Schema) validateObject(value any, path string, out *Violations) {
	obj, ok := value.(map[string]any)
	if !ok {
		add(out, path, "type", fmt.Sprintf("expected object, got %s", typeName(value)))
		return
	}

	for _, req := range s.Required {
		if _, exists := obj[req]; !exists {
			add(out, joinPointer(path, req), "required", "required field is missing")
		}
	}
	if s.MinProperties != nil && len(obj) < *s.MinProperties {
		add(out, path, "minProperties", fmt.Sprintf("object has %d properties, minimum is %d", len(obj), *s.MinProperties))
	}
	if s.MaxProperties != nil && len(obj) > *s.MaxProperties {
		add(out, path, "maxProperties", fmt.Sprintf("object has %d properties, maximum is %d", len(obj), *s.MaxProperties))
	}

	for name, propValue := range obj {
		propPath := joinPointer(path, name)
		if propSchema, ok := s.Properties[name]; ok {
			propSchema.validateValue(propValue, propPath, out)
			continue
		}
		if s.AdditionalProperties != nil {
			if s.AdditionalProperties.Schema != nil {
				s.AdditionalProperties.Schema.validateValue(propValue, propPath, out)
			} else if !s.AdditionalProperties.Allowed {
				add(out, propPath, "additionalProperties", "additional property not allowed")
			}
		}
	}
}

func (s *Schema) validateArray(value any, path string, out *Violations) {
	arr, ok := value.([]any)
	if !ok {
		add(out, path, "type", fmt.Sprintf("expected array, got %s", typeName(value)))
		return
	}
	if s.MinItems != nil && len(arr) < *s.MinItems {
		add(out, path, "minItems", fmt.Sprintf("array has %d items, minimum is %d", len(arr), *s.MinItems))
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		add(out, path, "maxItems", fmt.Sprintf("array has %d items, maximum is %d", len(arr), *s.MaxItems))
	}
	if s.UniqueItems {
		seen := make(map[string]bool, len(arr))
		for i, item := range arr {
			key := canonical(item)
			if seen[key] {
				add(out, fmt.Sprintf("%s/%d", path, i), "uniqueItems", "duplicate item in array")
			}
			seen[key] = true
		}
	}
	if s.Items != nil {
		for i, item := range arr {
			s.Items.validateValue(item, fmt.Sprintf("%s/%d", path, i), out)
		}
	}
}

func add(out *Violations, path, keyword, message string) {
	*out = append(*out, Violation{Path: path, Keyword: keyword, Message: message})
}

func joinPointer(base, segment string) string {
	segment = strings.ReplaceAll(segment, "~", "~0")
	segment = strings.ReplaceAll(segment, "/", "~1")
	return base + "/" + segment
}

func toFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func looseEqual(a, b any) bool {
	if an, ok := toFloat64(a); ok {
		if bn, ok := toFloat64(b); ok {
			return an == bn
		}
		return false
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if a == nil && b == nil {
		return true
	}
	return canonical(a) == canonical(b)
}

func canonical(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
