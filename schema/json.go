package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// property is the JSON Schema shape of a field in the closed set.
type property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

var knownPropertyKeys = map[string]struct{}{
	"type": {}, "description": {}, "enum": {},
	"minLength": {}, "maxLength": {}, "minimum": {}, "maximum": {},
}

func (f Field) toProperty() property {
	p := property{Description: f.Description}
	switch f.Kind {
	case KindString:
		p.Type = "string"
		p.MinLength, p.MaxLength = f.MinLength, f.MaxLength
	case KindNumber, KindInteger:
		p.Type = string(f.Kind)
		p.Minimum, p.Maximum = f.Minimum, f.Maximum
	case KindBoolean:
		p.Type = "boolean"
	case KindEnum:
		p.Type = "string"
		p.Enum = f.Values
	}
	return p
}

// MarshalJSON encodes the schema as a JSON Schema object. Properties are
// written in declaration order and additionalProperties is emitted only when
// it is false.
func (s Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"object","properties":{`)
	var required []string
	for i, f := range s.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		if f.Kind == KindUnknown {
			if len(f.raw) == 0 {
				buf.WriteString("{}")
			} else {
				buf.Write(f.raw)
			}
		} else {
			b, err := json.Marshal(f.toProperty())
			if err != nil {
				return nil, fmt.Errorf("schema: encode field %q: %w", f.Name, err)
			}
			buf.Write(b)
		}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	buf.WriteByte('}')
	if len(required) > 0 {
		b, err := json.Marshal(required)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"required":`)
		buf.Write(b)
	}
	if !s.additional {
		buf.WriteString(`,"additionalProperties":false`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON Schema object, keeping the property order of
// the document. Properties outside the closed set of kinds decode as
// KindUnknown.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var top struct {
		Type                 string          `json:"type"`
		Properties           json.RawMessage `json:"properties"`
		Required             []string        `json:"required"`
		AdditionalProperties json.RawMessage `json:"additionalProperties"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if top.Type != "" && top.Type != "object" {
		return fmt.Errorf("schema: input schema must be an object, got %q", top.Type)
	}

	required := make(map[string]bool, len(top.Required))
	for _, name := range top.Required {
		required[name] = true
	}

	names, props, err := orderedObject(top.Properties)
	if err != nil {
		return fmt.Errorf("schema: properties: %w", err)
	}
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f := decodeField(name, props[name])
		f.Required = required[name]
		fields = append(fields, f)
	}

	// Absent additionalProperties means allowed, as in JSON Schema.
	additional := true
	if ap := bytes.TrimSpace(top.AdditionalProperties); len(ap) > 0 && string(ap) == "false" {
		additional = false
	}

	out, err := newSchema(fields, additional)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

func decodeField(name string, raw json.RawMessage) Field {
	unknown := Field{Name: name, Kind: KindUnknown, raw: append(json.RawMessage(nil), raw...)}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return unknown
	}
	for k := range keys {
		if _, ok := knownPropertyKeys[k]; !ok {
			return unknown
		}
	}
	var p property
	if err := json.Unmarshal(raw, &p); err != nil {
		return unknown
	}

	f := Field{Name: name, Description: p.Description}
	switch {
	case p.Type == "string" && len(p.Enum) > 0:
		if p.MinLength != nil || p.MaxLength != nil {
			return unknown
		}
		f.Kind, f.Values = KindEnum, p.Enum
	case p.Type == "string":
		f.Kind, f.MinLength, f.MaxLength = KindString, p.MinLength, p.MaxLength
	case p.Type == "number" || p.Type == "integer":
		if len(p.Enum) > 0 || p.MinLength != nil || p.MaxLength != nil {
			return unknown
		}
		f.Kind, f.Minimum, f.Maximum = Kind(p.Type), p.Minimum, p.Maximum
	case p.Type == "boolean":
		if len(p.Enum) > 0 || p.MinLength != nil || p.MaxLength != nil || p.Minimum != nil || p.Maximum != nil {
			return unknown
		}
		f.Kind = KindBoolean
	default:
		return unknown
	}
	return f
}

// orderedObject splits a JSON object into its keys in document order and the
// raw value of each key.
func orderedObject(data json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil, values, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = v
	}
	return keys, values, nil
}
