package schema

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Args is a validated argument set. Values have already been checked against
// their field kind, so the typed accessors return the zero value only for
// absent optional fields.
type Args struct {
	values map[string]any
}

// Has reports whether name was supplied.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Get returns the raw normalised value of name.
func (a Args) Get(name string) (any, bool) {
	v, ok := a.values[name]
	return v, ok
}

// String returns the value of a string or enum field.
func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// Number returns the value of a number field. Integer fields are widened.
func (a Args) Number(name string) float64 {
	switch v := a.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the value of an integer field.
func (a Args) Int(name string) int64 {
	switch v := a.values[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Bool returns the value of a boolean field.
func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

// Map returns a copy of the validated values.
func (a Args) Map() map[string]any {
	if a.values == nil {
		return map[string]any{}
	}
	return maps.Clone(a.values)
}

// Len returns the number of supplied arguments.
func (a Args) Len() int { return len(a.values) }

// Decode copies the validated values into the struct pointed to by into,
// using its json tags.
func (a Args) Decode(into any) error {
	b, err := json.Marshal(a.Map())
	if err != nil {
		return fmt.Errorf("schema: encode args: %w", err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("schema: decode args: %w", err)
	}
	return nil
}
