package value

import (
	"errors"
	"fmt"
)

// ErrUnexpectedShape is returned when a value cannot be projected into the
// Go type a caller asked for.
var ErrUnexpectedShape = errors.New("unexpected value shape")

// ShapeError describes a failed projection.
type ShapeError struct {
	Path string // field path inside the projected value, empty at the root
	Want Kind
	Got  Kind
}

func (e *ShapeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: want %s, got %s", ErrUnexpectedShape, e.Want, e.Got)
	}
	return fmt.Sprintf("%s at %s: want %s, got %s", ErrUnexpectedShape, e.Path, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrUnexpectedShape }

func shapeErr(want Kind, got Value) error {
	return &ShapeError{Want: want, Got: KindOf(got)}
}

func AsInt(v Value) (int64, error) {
	if x, ok := v.(Int); ok {
		return int64(x), nil
	}
	return 0, shapeErr(KindInt, v)
}

func AsBool(v Value) (bool, error) {
	if x, ok := v.(Bool); ok {
		return bool(x), nil
	}
	return false, shapeErr(KindBool, v)
}

// AsDouble accepts integers too, since servers send whole numbers as <int>.
func AsDouble(v Value) (float64, error) {
	switch x := v.(type) {
	case Double:
		return float64(x), nil
	case Int:
		return float64(x), nil
	}
	return 0, shapeErr(KindDouble, v)
}

func AsString(v Value) (string, error) {
	if x, ok := v.(String); ok {
		return string(x), nil
	}
	return "", shapeErr(KindString, v)
}

func AsBinary(v Value) ([]byte, error) {
	if x, ok := v.(Binary); ok {
		return []byte(x), nil
	}
	return nil, shapeErr(KindBinary, v)
}

func AsList(v Value) (List, error) {
	if x, ok := v.(List); ok {
		return x, nil
	}
	return nil, shapeErr(KindList, v)
}

func AsRecord(v Value) (*Record, error) {
	if x, ok := v.(*Record); ok && x != nil {
		return x, nil
	}
	return nil, shapeErr(KindRecord, v)
}

// AsStrings projects a list of strings.
func AsStrings(v Value) ([]string, error) {
	list, err := AsList(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := AsString(item)
		if err != nil {
			return nil, atPath(fmt.Sprintf("[%d]", i), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Projection projects named members of a record. A missing required member or a
// member of the wrong kind yields ErrUnexpectedShape; missing optional
// members leave the destination untouched.
type Projection struct {
	rec *Record
	err error
}

// FieldsOf starts a record projection.
func FieldsOf(v Value) *Projection {
	rec, err := AsRecord(v)
	return &Projection{rec: rec, err: err}
}

// Err returns the first projection error.
func (p *Projection) Err() error { return p.err }

func (p *Projection) lookup(name string, required bool, want Kind) (Value, bool) {
	if p.err != nil {
		return nil, false
	}
	v, ok := p.rec.Lookup(name)
	if !ok {
		if required {
			p.err = &ShapeError{Path: name, Want: want, Got: KindNil}
		}
		return nil, false
	}
	return v, true
}

func (p *Projection) fail(name string, err error) {
	if p.err == nil {
		p.err = atPath(name, err)
	}
}

func (p *Projection) String(name string, dst *string, required bool) *Projection {
	if v, ok := p.lookup(name, required, KindString); ok {
		s, err := AsString(v)
		if err != nil {
			p.fail(name, err)
			return p
		}
		*dst = s
	}
	return p
}

func (p *Projection) Int(name string, dst *int, required bool) *Projection {
	if v, ok := p.lookup(name, required, KindInt); ok {
		n, err := AsInt(v)
		if err != nil {
			p.fail(name, err)
			return p
		}
		*dst = int(n)
	}
	return p
}

func (p *Projection) Bool(name string, dst *bool, required bool) *Projection {
	if v, ok := p.lookup(name, required, KindBool); ok {
		b, err := AsBool(v)
		if err != nil {
			p.fail(name, err)
			return p
		}
		*dst = b
	}
	return p
}

func (p *Projection) Double(name string, dst *float64, required bool) *Projection {
	if v, ok := p.lookup(name, required, KindDouble); ok {
		f, err := AsDouble(v)
		if err != nil {
			p.fail(name, err)
			return p
		}
		*dst = f
	}
	return p
}

func atPath(name string, err error) error {
	var se *ShapeError
	if errors.As(err, &se) {
		path := name
		if se.Path != "" {
			path = name + "." + se.Path
		}
		return &ShapeError{Path: path, Want: se.Want, Got: se.Got}
	}
	return err
}
