// Package schema models tool input schemas as data and validates candidate
// arguments against them.
//
// A Schema is an ordered set of named fields, each one of a closed set of
// kinds (string, number, integer, boolean, enum). Constraints are plain
// values on the field (length bounds, numeric bounds, allowed values) rather
// than executable validators, so a Schema can be advertised on the wire,
// decoded by a peer and validated identically on both sides.
//
//	s := schema.Object(
//	    schema.Enum("operation", "add", "subtract").Describe("The operation to perform"),
//	    schema.Number("a"),
//	    schema.Number("b"),
//	)
//	args, err := s.Validate(map[string]any{"operation": "add", "a": 1, "b": 2})
//
// Validation reports every violation at once in a *ValidationError, in field
// declaration order followed by unexpected keys in lexical order.
//
// Schemas can also be reflected from Go structs with Reflect, which uses
// github.com/invopop/jsonschema struct tags:
//
//	type GreetArgs struct {
//	    Name string `json:"name" jsonschema:"minLength=1,description=Who to greet"`
//	}
//	s := schema.MustReflect[GreetArgs](false)
package schema
