package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, raw string) *Schema {
	t.Helper()
	s, err := Compile(json.RawMessage(raw))
	require.NoError(t, err)
	return s
}

func TestCompile_EmptyIsPermissive(t *testing.T) {
	for _, raw := range []string{"", "{}", "null"} {
		s, err := Compile(json.RawMessage(raw))
		if raw == "null" {
			// A literal null document is not an object.
			require.Error(t, err)
			continue
		}
		require.NoError(t, err, "raw=%q", raw)
		assert.True(t, s.IsEmpty())
		assert.Empty(t, s.Validate(map[string]any{"anything": 1}))
		assert.Empty(t, s.Validate("scalar"))
		assert.Empty(t, s.Validate(nil))
	}
}

func TestCompile_Malformed(t *testing.T) {
	cases := map[string]string{
		"not JSON":     `{not json`,
		"array":        `[1,2,3]`,
		"scalar":       `42`,
		"bad type":     `{"type":"integerz"}`,
		"bad property": `{"type":"object","properties":{"a":{"type":"wat"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	s := mustCompile(t, `{"type":"object","required":["value"]}`)

	violations := s.Validate(map[string]any{})
	require.Len(t, violations, 1)
	assert.Equal(t, "/value", violations[0].Path)
	assert.Equal(t, "required", violations[0].Keyword)

	assert.Empty(t, s.Validate(map[string]any{"value": 5}))
}

func TestValidate_TypeMismatches(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {
			"name":  {"type": "string"},
			"count": {"type": "integer"},
			"ratio": {"type": "number"},
			"flag":  {"type": "boolean"},
			"tags":  {"type": "array", "items": {"type": "string"}}
		}
	}`)

	doc := map[string]any{
		"name":  42,
		"count": 1.5,
		"ratio": "high",
		"flag":  "yes",
		"tags":  []any{"ok", 7},
	}
	violations := s.Validate(doc)
	assert.Len(t, violations, 5)

	paths := make(map[string]bool)
	for _, v := range violations {
		paths[v.Path] = true
	}
	assert.True(t, paths["/name"])
	assert.True(t, paths["/tags/1"])
}

func TestValidate_NumericConstraints(t *testing.T) {
	s := mustCompile(t, `{"type":"number","minimum":0,"maximum":10,"multipleOf":2}`)

	assert.Empty(t, s.Validate(float64(4)))
	assert.Len(t, s.Validate(float64(-2)), 1)
	assert.Len(t, s.Validate(float64(12)), 1)
	assert.Len(t, s.Validate(float64(3)), 1)
}

func TestValidate_StringConstraints(t *testing.T) {
	s := mustCompile(t, `{"type":"string","minLength":2,"maxLength":5,"pattern":"^[a-z]+$"}`)

	assert.Empty(t, s.Validate("abc"))
	assert.NotEmpty(t, s.Validate("a"))
	assert.NotEmpty(t, s.Validate("toolong"))
	assert.NotEmpty(t, s.Validate("ABC"))
}

func TestValidate_Formats(t *testing.T) {
	s := mustCompile(t, `{"type":"string","format":"uuid"}`)
	assert.Empty(t, s.Validate("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.NotEmpty(t, s.Validate("not-a-uuid"))
}

func TestValidate_EnumAndConst(t *testing.T) {
	enum := mustCompile(t, `{"enum":["red","green","blue"]}`)
	assert.Empty(t, enum.Validate("green"))
	require.Len(t, enum.Validate("yellow"), 1)
	assert.Equal(t, "enum", enum.Validate("yellow")[0].Keyword)

	cnst := mustCompile(t, `{"const":5}`)
	assert.Empty(t, cnst.Validate(float64(5)))
	assert.NotEmpty(t, cnst.Validate(float64(6)))
}

func TestValidate_AdditionalProperties(t *testing.T) {
	strict := mustCompile(t, `{"type":"object","properties":{"a":{"type":"string"}},"additionalProperties":false}`)
	assert.Empty(t, strict.Validate(map[string]any{"a": "x"}))

	violations := strict.Validate(map[string]any{"a": "x", "b": 1})
	require.Len(t, violations, 1)
	assert.Equal(t, "/b", violations[0].Path)
	assert.Equal(t, "additionalProperties", violations[0].Keyword)

	typed := mustCompile(t, `{"type":"object","additionalProperties":{"type":"integer"}}`)
	assert.Empty(t, typed.Validate(map[string]any{"x": float64(1)}))
	assert.NotEmpty(t, typed.Validate(map[string]any{"x": "nope"}))
}

func TestValidate_ArrayConstraints(t *testing.T) {
	s := mustCompile(t, `{"type":"array","minItems":1,"maxItems":3,"uniqueItems":true}`)

	assert.Empty(t, s.Validate([]any{"a", "b"}))
	assert.NotEmpty(t, s.Validate([]any{}))
	assert.NotEmpty(t, s.Validate([]any{"a", "b", "c", "d"}))
	assert.NotEmpty(t, s.Validate([]any{"a", "a"}))
}

func TestValidate_NestedPointerPaths(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {
			"outer": {
				"type": "object",
				"properties": {"inner": {"type": "integer"}}
			}
		}
	}`)

	violations := s.Validate(map[string]any{
		"outer": map[string]any{"inner": "nope"},
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "/outer/inner", violations[0].Path)
}

func TestValidateRaw_NullAndEmptyInputs(t *testing.T) {
	s := mustCompile(t, `{"type":"object","required":["value"]}`)

	// null and empty both validate as the empty object.
	assert.Len(t, s.ValidateRaw(nil), 1)
	assert.Len(t, s.ValidateRaw(json.RawMessage("null")), 1)

	permissive := mustCompile(t, `{}`)
	assert.Empty(t, permissive.ValidateRaw(nil))
}

func TestValidateRaw_InvalidJSON(t *testing.T) {
	s := mustCompile(t, `{"type":"object"}`)
	violations := s.ValidateRaw(json.RawMessage(`{broken`))
	require.Len(t, violations, 1)
	assert.Equal(t, "syntax", violations[0].Keyword)
}

func TestAdditionalProperties_Roundtrip(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","additionalProperties":false}`)
	s, err := Compile(raw)
	require.NoError(t, err)
	require.NotNil(t, s.AdditionalProperties)
	assert.False(t, s.AdditionalProperties.Allowed)

	out, err := s.MarshalRaw()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"additionalProperties":false`)
}
