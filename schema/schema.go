package schema

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the closed set of field variants.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	// KindUnknown is only produced when decoding a schema from a peer that
	// uses JSON Schema constructs outside the closed set. Such a field is
	// checked for presence only and is re-encoded verbatim.
	KindUnknown Kind = "unknown"
)

// Field is a single named property of a Schema. Fields are values; the
// builder methods return modified copies.
type Field struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool

	// String bounds, counted in Unicode code points.
	MinLength *int
	MaxLength *int

	// Number and Integer bounds, inclusive.
	Minimum *float64
	Maximum *float64

	// Enum values.
	Values []string

	raw json.RawMessage
}

// String declares a required string field.
func String(name string) Field { return Field{Name: name, Kind: KindString, Required: true} }

// Number declares a required number field.
func Number(name string) Field { return Field{Name: name, Kind: KindNumber, Required: true} }

// Integer declares a required integral number field.
func Integer(name string) Field { return Field{Name: name, Kind: KindInteger, Required: true} }

// Boolean declares a required boolean field.
func Boolean(name string) Field { return Field{Name: name, Kind: KindBoolean, Required: true} }

// Enum declares a required string field restricted to values.
func Enum(name string, values ...string) Field {
	return Field{Name: name, Kind: KindEnum, Required: true, Values: append([]string(nil), values...)}
}

// Describe sets the human readable description.
func (f Field) Describe(description string) Field {
	f.Description = description
	return f
}

// Optional marks the field as not required.
func (f Field) Optional() Field {
	f.Required = false
	return f
}

// WithMinLength sets the minimum length of a string field.
func (f Field) WithMinLength(n int) Field {
	f.MinLength = &n
	return f
}

// WithMaxLength sets the maximum length of a string field.
func (f Field) WithMaxLength(n int) Field {
	f.MaxLength = &n
	return f
}

// WithMinimum sets the inclusive lower bound of a number or integer field.
func (f Field) WithMinimum(v float64) Field {
	f.Minimum = &v
	return f
}

// WithMaximum sets the inclusive upper bound of a number or integer field.
func (f Field) WithMaximum(v float64) Field {
	f.Maximum = &v
	return f
}

func (f Field) clone() Field {
	if f.MinLength != nil {
		v := *f.MinLength
		f.MinLength = &v
	}
	if f.MaxLength != nil {
		v := *f.MaxLength
		f.MaxLength = &v
	}
	if f.Minimum != nil {
		v := *f.Minimum
		f.Minimum = &v
	}
	if f.Maximum != nil {
		v := *f.Maximum
		f.Maximum = &v
	}
	f.Values = append([]string(nil), f.Values...)
	f.raw = append(json.RawMessage(nil), f.raw...)
	return f
}

// Schema is the input schema of a tool: an object with ordered fields. The
// zero value is an empty object schema that rejects every argument.
type Schema struct {
	fields     []Field
	additional bool
}

// Object builds a schema from fields in declaration order. It panics if two
// fields share a name or a field has an empty name or an unknown kind; a
// schema is declared once at registration time, so this is a programming
// error.
func Object(fields ...Field) Schema {
	s, err := newSchema(fields, false)
	if err != nil {
		panic(err)
	}
	return s
}

func newSchema(fields []Field, additional bool) (Schema, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return Schema{}, fmt.Errorf("schema: field with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return Schema{}, fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		switch f.Kind {
		case KindString, KindNumber, KindInteger, KindBoolean, KindEnum, KindUnknown:
		default:
			return Schema{}, fmt.Errorf("schema: field %q has unsupported kind %q", f.Name, f.Kind)
		}
		if f.Kind == KindEnum && len(f.Values) == 0 {
			return Schema{}, fmt.Errorf("schema: enum field %q has no values", f.Name)
		}
		seen[f.Name] = struct{}{}
		out = append(out, f.clone())
	}
	return Schema{fields: out, additional: additional}, nil
}

// AllowAdditional returns a copy of s that accepts argument keys it does not
// declare. Extra values are passed through to the handler untouched.
func (s Schema) AllowAdditional() Schema {
	s.fields = s.Fields()
	s.additional = true
	return s
}

// AdditionalAllowed reports whether undeclared argument keys are accepted.
func (s Schema) AdditionalAllowed() bool { return s.additional }

// Fields returns a copy of the declared fields in order.
func (s Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.clone()
	}
	return out
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f.clone(), true
		}
	}
	return Field{}, false
}

// Len returns the number of declared fields.
func (s Schema) Len() int { return len(s.fields) }
