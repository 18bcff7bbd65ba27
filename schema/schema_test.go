package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_MarshalJSON(t *testing.T) {
	s := Object(
		String("name").Describe("The name of the person to greet").WithMinLength(1),
		Number("b").WithMinimum(0),
		Enum("op", "add", "subtract"),
		Boolean("verbose").Optional(),
	)
	b, err := json.Marshal(s)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The name of the person to greet", "minLength": 1},
			"b": {"type": "number", "minimum": 0},
			"op": {"type": "string", "enum": ["add", "subtract"]},
			"verbose": {"type": "boolean"}
		},
		"required": ["name", "b", "op"],
		"additionalProperties": false
	}`, string(b))

	// Properties keep declaration order on the wire.
	assert.Regexp(t, `"name".*"b".*"op".*"verbose"`, string(b))
}

func TestSchema_EmptyObject(t *testing.T) {
	b, err := json.Marshal(Object())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{},"additionalProperties":false}`, string(b))

	b, err = json.Marshal(Object().AllowAdditional())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(b))
}

func TestSchema_RoundTrip(t *testing.T) {
	cases := map[string]Schema{
		"empty":      Object(),
		"additional": Object(String("x").Optional()).AllowAdditional(),
		"all kinds": Object(
			String("s").Describe("d").WithMinLength(2).WithMaxLength(9),
			Number("n").WithMinimum(-1.5).WithMaximum(3),
			Integer("i").Optional(),
			Boolean("b"),
			Enum("e", "x", "y"),
		),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := json.Marshal(s)
			require.NoError(t, err)

			var got Schema
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, s, got)

			again, err := json.Marshal(got)
			require.NoError(t, err)
			assert.Equal(t, string(b), string(again))
		})
	}
}

func TestSchema_UnmarshalForeignProperties(t *testing.T) {
	in := `{
		"type": "object",
		"properties": {
			"tags": {"type": "array", "items": {"type": "string"}},
			"level": {"type": "integer", "minimum": 1},
			"mode": {"type": "string", "enum": ["a", "b"], "default": "a"}
		},
		"required": ["tags"]
	}`
	var s Schema
	require.NoError(t, json.Unmarshal([]byte(in), &s))

	fields := s.Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "tags", fields[0].Name)
	assert.Equal(t, KindUnknown, fields[0].Kind)
	assert.True(t, fields[0].Required)
	assert.Equal(t, KindInteger, fields[1].Kind)
	assert.Equal(t, KindUnknown, fields[2].Kind, "unknown keys keep the raw form")
	assert.True(t, s.AdditionalAllowed())

	// Unknown fields validate presence only and re-encode verbatim.
	_, err := s.Validate(map[string]any{"tags": []any{"x"}})
	require.NoError(t, err)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tags":{"type":"array","items":{"type":"string"}}`)
}

func TestSchema_UnmarshalRejectsNonObject(t *testing.T) {
	var s Schema
	assert.Error(t, json.Unmarshal([]byte(`{"type":"string"}`), &s))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"object","properties":[1]}`), &s))
}

func TestObject_PanicsOnDuplicateField(t *testing.T) {
	assert.Panics(t, func() { Object(String("a"), Number("a")) })
	assert.Panics(t, func() { Object(String("")) })
	assert.Panics(t, func() { Object(Enum("e")) })
}

func TestSchema_FieldsAreCopies(t *testing.T) {
	s := Object(String("name").WithMinLength(1))
	fields := s.Fields()
	*fields[0].MinLength = 99

	f, ok := s.Field("name")
	require.True(t, ok)
	assert.Equal(t, 1, *f.MinLength)
}
