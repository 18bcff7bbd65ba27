package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Violation is a single failed check.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + " " + v.Message
}

// ValidationError lists every violation found in one argument set.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// Fields returns the names of the offending fields in reporting order,
// without duplicates.
func (e *ValidationError) Fields() []string {
	var out []string
	seen := make(map[string]struct{}, len(e.Violations))
	for _, v := range e.Violations {
		if _, ok := seen[v.Field]; ok {
			continue
		}
		seen[v.Field] = struct{}{}
		out = append(out, v.Field)
	}
	return out
}

// Validate checks candidate against s. On success it returns the arguments
// normalised to their field kind: string, float64 for numbers, int64 for
// integers and bool. On failure it returns a *ValidationError naming every
// failing field.
func (s Schema) Validate(candidate map[string]any) (Args, error) {
	values := make(map[string]any, len(candidate))
	var violations []Violation

	for _, f := range s.fields {
		v, present := candidate[f.Name]
		if !present {
			if f.Required {
				violations = append(violations, Violation{Field: f.Name, Message: "is required"})
			}
			continue
		}
		norm, msg := checkField(f, v)
		if msg != "" {
			violations = append(violations, Violation{Field: f.Name, Message: msg})
			continue
		}
		values[f.Name] = norm
	}

	var extra []string
	for k := range candidate {
		if _, declared := s.Field(k); !declared {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		if !s.additional {
			violations = append(violations, Violation{Field: k, Message: "is not an allowed field"})
			continue
		}
		values[k] = normalize(candidate[k])
	}

	if len(violations) > 0 {
		return Args{}, &ValidationError{Violations: violations}
	}
	return Args{values: values}, nil
}

// ValidateJSON decodes raw arguments and validates them. Empty input and JSON
// null are treated as an empty argument set.
func (s Schema) ValidateJSON(raw json.RawMessage) (Args, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return s.Validate(nil)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var candidate map[string]any
	if err := dec.Decode(&candidate); err != nil {
		return Args{}, &ValidationError{Violations: []Violation{{Message: "arguments must be a JSON object"}}}
	}
	return s.Validate(candidate)
}

// Validate is shorthand for s.Validate(candidate).
func Validate(s Schema, candidate map[string]any) (Args, error) {
	return s.Validate(candidate)
}

func checkField(f Field, v any) (any, string) {
	switch f.Kind {
	case KindString:
		str, ok := v.(string)
		if !ok {
			return nil, "must be a string, got " + describe(v)
		}
		n := utf8.RuneCountInString(str)
		if f.MinLength != nil && n < *f.MinLength {
			return nil, fmt.Sprintf("must be at least %d characters long", *f.MinLength)
		}
		if f.MaxLength != nil && n > *f.MaxLength {
			return nil, fmt.Sprintf("must be at most %d characters long", *f.MaxLength)
		}
		return str, ""

	case KindEnum:
		str, ok := v.(string)
		if !ok {
			return nil, "must be a string, got " + describe(v)
		}
		for _, allowed := range f.Values {
			if str == allowed {
				return str, ""
			}
		}
		return nil, "must be one of " + quoteList(f.Values)

	case KindNumber:
		num, msg := toNumber(v)
		if msg != "" {
			return nil, msg
		}
		if msg := checkBounds(f, num); msg != "" {
			return nil, msg
		}
		return num, ""

	case KindInteger:
		n, msg := toInteger(v)
		if msg != "" {
			return nil, msg
		}
		if msg := checkBounds(f, float64(n)); msg != "" {
			return nil, msg
		}
		return n, ""

	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, "must be a boolean, got " + describe(v)
		}
		return b, ""

	case KindUnknown:
		return normalize(v), ""
	}
	return nil, "has unsupported kind " + string(f.Kind)
}

func checkBounds(f Field, num float64) string {
	if f.Minimum != nil && num < *f.Minimum {
		return "must be >= " + formatFloat(*f.Minimum)
	}
	if f.Maximum != nil && num > *f.Maximum {
		return "must be <= " + formatFloat(*f.Maximum)
	}
	return ""
}

const msgOutOfRange = "is out of range"

// maxExactInt is the largest magnitude at which every integer is exactly
// representable as a float64.
const maxExactInt = 1 << 53

func toNumber(v any) (float64, string) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, msgOutOfRange
		}
		return f, ""
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, "must be a number, got " + describe(v)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, msgOutOfRange
	}
	return f, ""
}

// toInteger converts v to an int64 without losing precision. Decoded
// numbers are parsed from their text; an integral value written in float
// form is accepted only while it is exact.
func toInteger(v any) (int64, string) {
	switch n := v.(type) {
	case int:
		return int64(n), ""
	case int32:
		return int64(n), ""
	case int64:
		return n, ""
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, msgOutOfRange
		}
		return int64(n), ""
	case uint64:
		if n > math.MaxInt64 {
			return 0, msgOutOfRange
		}
		return int64(n), ""
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err == nil {
			return i, ""
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, msgOutOfRange
		}
		f, err := n.Float64()
		if err != nil {
			return 0, msgOutOfRange
		}
		if f != math.Trunc(f) {
			return 0, "must be an integer"
		}
		if math.Abs(f) > maxExactInt {
			return 0, msgOutOfRange
		}
		return int64(f), ""
	}

	f, msg := toNumber(v)
	if msg != "" {
		return 0, msg
	}
	if f != math.Trunc(f) {
		return 0, "must be an integer"
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, msgOutOfRange
	}
	return int64(f), ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalize converts json.Number values produced by UseNumber decoding into
// float64, recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := v.(json.Number); ok {
		return "number"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ", ")
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
