package value

import (
	"bytes"
	"math"
)

// Equal reports whether a and b are semantically the same value: equal
// numbers (NaN equals NaN), byte-identical text and binary, and structural
// equality for lists and records. Record field order is ignored.
func Equal(a, b Value) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch x := a.(type) {
	case nil, Nil:
		return true
	case Int:
		return x == b.(Int)
	case Bool:
		return x == b.(Bool)
	case Double:
		y := b.(Double)
		if math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
			return true
		}
		return x == y
	case String:
		return x == b.(String)
	case Binary:
		return bytes.Equal(x, b.(Binary))
	case List:
		y := b.(List)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Record:
		y := b.(*Record)
		if x.Len() != y.Len() {
			return false
		}
		for _, f := range x.Fields() {
			other, ok := y.Get(f.Name)
			if !ok || !Equal(f.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}
