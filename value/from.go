package value

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnrepresentable is returned when a Go value has no Value equivalent.
var ErrUnrepresentable = errors.New("value not representable")

// ArgumentError reports which argument of a call could not be converted.
type ArgumentError struct {
	Index int
	Type  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %d: %s: %s", e.Index, ErrUnrepresentable, e.Type)
}

func (e *ArgumentError) Is(target error) bool { return target == ErrUnrepresentable }

// From converts a native Go value. Supported: Value itself, nil, bool, all
// integer types that fit int64, float32/64, string, []byte, []any, []string,
// []int and map[string]any (keys sorted for a stable field order).
func From(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case nil:
		return Nil{}, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int8:
		return Int(v), nil
	case int16:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(v), nil
	case uint16:
		return Int(v), nil
	case uint32:
		return Int(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint %d overflows int64", ErrUnrepresentable, v)
		}
		return Int(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnrepresentable, v)
		}
		return Int(v), nil
	case float32:
		return Double(v), nil
	case float64:
		return Double(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Binary(v), nil
	case []string:
		out := make(List, len(v))
		for i, s := range v {
			out[i] = String(s)
		}
		return out, nil
	case []int:
		out := make(List, len(v))
		for i, n := range v {
			out[i] = Int(n)
		}
		return out, nil
	case []any:
		out := make(List, len(v))
		for i, item := range v {
			conv, err := From(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rec := &Record{}
		for _, k := range keys {
			conv, err := From(v[k])
			if err != nil {
				return nil, err
			}
			rec.Set(k, conv)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnrepresentable, x)
}

// Args converts call arguments, failing with an *ArgumentError that names the
// offending position.
func Args(xs ...any) ([]Value, error) {
	out := make([]Value, len(xs))
	for i, x := range xs {
		v, err := From(x)
		if err != nil {
			return nil, &ArgumentError{Index: i, Type: fmt.Sprintf("%T", x)}
		}
		out[i] = v
	}
	return out, nil
}

// Native turns a value tree into plain Go values (for JSON output and logs).
// Records become map[string]any, lists []any, binary []byte.
func Native(v Value) any {
	switch x := v.(type) {
	case nil, Nil:
		return nil
	case Int:
		return int64(x)
	case Bool:
		return bool(x)
	case Double:
		return float64(x)
	case String:
		return string(x)
	case Binary:
		return []byte(x)
	case List:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Native(item)
		}
		return out
	case *Record:
		out := make(map[string]any, x.Len())
		for _, f := range x.Fields() {
			out[f.Name] = Native(f.Value)
		}
		return out
	}
	return nil
}
