package value

import "strings"

// Field is one named member of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record maps field names to values. Names are unique and the order in which
// fields were first set is preserved, so re-encoding a decoded record is
// deterministic. Callers should rely on field identity, not position.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord builds a record from fields. A repeated name overwrites the
// earlier value in place.
func NewRecord(fields ...Field) *Record {
	r := &Record{}
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

func (*Record) Kind() Kind { return KindRecord }
func (*Record) sealed()    {}

// Set assigns name. Existing fields keep their position.
func (r *Record) Set(name string, v Value) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// Has reports whether name is set.
func (r *Record) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.index[name]
	return ok
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Lookup is Get with a case-insensitive fallback. Servers are not consistent
// about the casing of member names ("Login" vs "login").
func (r *Record) Lookup(name string) (Value, bool) {
	if v, ok := r.Get(name); ok {
		return v, true
	}
	if r == nil {
		return nil, false
	}
	for _, f := range r.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return nil, false
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Fields returns a copy of the fields in insertion order.
func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}
