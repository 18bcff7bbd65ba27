package schema

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Reflect derives a Schema from the Go struct type T using
// github.com/invopop/jsonschema. Fields without `omitempty` in their json tag
// are required. Constraints come from `jsonschema` struct tags (minLength,
// maxLength, minimum, maximum, enum, description).
//
// When allowAdditional is false the schema rejects undeclared keys.
func Reflect[T any](allowAdditional bool) (Schema, error) {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("schema: %s is not a struct", t)
	}
	if t.NumField() == 0 {
		return Schema{additional: allowAdditional}, nil
	}
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		AllowAdditionalProperties: allowAdditional,
	}
	// ExpandedStruct looks the root up by type name, which an anonymous
	// struct does not have; inlining without it yields the same root.
	if t.Name() != "" {
		r.ExpandedStruct = true
	}
	return FromJSONSchema(r.ReflectFromType(t), allowAdditional)
}

// MustReflect is like Reflect but panics on error. It is meant for tool
// declarations evaluated once at startup.
func MustReflect[T any](allowAdditional bool) Schema {
	s, err := Reflect[T](allowAdditional)
	if err != nil {
		panic(err)
	}
	return s
}

// FromJSONSchema converts a reflected object schema into a Schema. Property
// types outside the closed set are rejected.
func FromJSONSchema(js *jsonschema.Schema, allowAdditional bool) (Schema, error) {
	if js == nil {
		return Schema{additional: allowAdditional}, nil
	}
	if js.Type != "" && js.Type != "object" {
		return Schema{}, fmt.Errorf("schema: root must be an object, got %q", js.Type)
	}

	required := make(map[string]bool, len(js.Required))
	for _, name := range js.Required {
		required[name] = true
	}

	var fields []Field
	if js.Properties != nil {
		for el := js.Properties.Oldest(); el != nil; el = el.Next() {
			f, err := fieldFromJSONSchema(el.Key, el.Value)
			if err != nil {
				return Schema{}, err
			}
			f.Required = required[el.Key]
			fields = append(fields, f)
		}
	}
	return newSchema(fields, allowAdditional)
}

func fieldFromJSONSchema(name string, p *jsonschema.Schema) (Field, error) {
	if p == nil {
		return Field{}, fmt.Errorf("schema: field %q has no schema", name)
	}
	f := Field{Name: name, Description: p.Description}

	switch p.Type {
	case "string":
		if len(p.Enum) > 0 {
			values := make([]string, 0, len(p.Enum))
			for _, v := range p.Enum {
				s, ok := v.(string)
				if !ok {
					return Field{}, fmt.Errorf("schema: enum field %q has non-string value %v", name, v)
				}
				values = append(values, s)
			}
			f.Kind, f.Values = KindEnum, values
			return f, nil
		}
		f.Kind = KindString
		if p.MinLength != nil {
			n := int(*p.MinLength)
			f.MinLength = &n
		}
		if p.MaxLength != nil {
			n := int(*p.MaxLength)
			f.MaxLength = &n
		}
	case "number", "integer":
		f.Kind = Kind(p.Type)
		if p.Minimum != "" {
			v, err := p.Minimum.Float64()
			if err != nil {
				return Field{}, fmt.Errorf("schema: field %q minimum: %w", name, err)
			}
			f.Minimum = &v
		}
		if p.Maximum != "" {
			v, err := p.Maximum.Float64()
			if err != nil {
				return Field{}, fmt.Errorf("schema: field %q maximum: %w", name, err)
			}
			f.Maximum = &v
		}
	case "boolean":
		f.Kind = KindBoolean
	default:
		return Field{}, fmt.Errorf("schema: field %q has unsupported type %q", name, p.Type)
	}
	return f, nil
}
