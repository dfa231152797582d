package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decode failure
var ErrMalformed = errors.New("filter: malformed expression")

// MaxDepth bounds the nesting of logical nodes
const MaxDepth = 32

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses raw into a validated tree. Field names must be in fields
// (a nil Fields accepts any field).
func Decode(raw json.RawMessage, fields Fields) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed("%v", err)
	}
	return decodeValue(v, fields, 0)
}

func decodeValue(v any, fields Fields, depth int) (Node, error) {
	if depth > MaxDepth {
		return nil, malformed("nesting deeper than %d", MaxDepth)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, malformed("expected array, got %T", v)
	}
	if len(arr) != 3 {
		return nil, malformed("expected 3 elements, got %d", len(arr))
	}
	opText, ok := arr[1].(string)
	if !ok {
		return nil, malformed("operator must be a string, got %T", arr[1])
	}
	op := Op(opText)

	if _, nested := arr[0].([]any); nested {
		if !op.IsLogical() {
			return nil, malformed("unsupported logical operator %q", opText)
		}
		left, err := decodeValue(arr[0], fields, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := decodeValue(arr[2], fields, depth+1)
		if err != nil {
			return nil, err
		}
		return Logical{Op: op, Left: left, Right: right}, nil
	}

	field, ok := arr[0].(string)
	if !ok || field == "" {
		return nil, malformed("field must be a non-empty string, got %v", arr[0])
	}
	if fields != nil && !fields.Has(field) {
		return nil, malformed("unknown field %q", field)
	}
	if !op.IsComparison() {
		return nil, malformed("unsupported operator %q", opText)
	}
	value, err := literal(arr[2])
	if err != nil {
		return nil, err
	}
	return Comparison{Field: field, Op: op, Value: value}, nil
}

func literal(v any) (any, error) {
	switch x := v.(type) {
	case string, bool:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, malformed("bad number %q", x)
		}
		return f, nil
	default:
		return nil, malformed("value must be a string, number or boolean, got %T", v)
	}
}
