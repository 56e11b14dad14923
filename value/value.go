// Package value defines the dynamically-typed value model carried by the
// remote-control protocol.
//
// A Value is a closed tagged union. Every variant is its own Go type and the
// set is sealed by an unexported method, so encoders and decoders can switch
// over it exhaustively:
//
//	Int     64-bit signed integer
//	Bool    boolean
//	Double  64-bit float
//	String  UTF-8 text
//	Binary  raw bytes (base64 on the wire)
//	List    ordered sequence of Values
//	*Record named fields, unique keys, insertion order kept
//	Nil     unit / absent marker
package value

import "fmt"

// Kind identifies the variant of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindBool
	KindDouble
	KindString
	KindBinary
	KindList
	KindRecord
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindInt:    "int",
	KindBool:   "bool",
	KindDouble: "double",
	KindString: "string",
	KindBinary: "binary",
	KindList:   "list",
	KindRecord: "record",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one node of a value tree.
type Value interface {
	Kind() Kind
	sealed()
}

type (
	Int    int64
	Bool   bool
	Double float64
	String string
	Binary []byte
	List   []Value
	Nil    struct{}
)

func (Int) Kind() Kind    { return KindInt }
func (Bool) Kind() Kind   { return KindBool }
func (Double) Kind() Kind { return KindDouble }
func (String) Kind() Kind { return KindString }
func (Binary) Kind() Kind { return KindBinary }
func (List) Kind() Kind   { return KindList }
func (Nil) Kind() Kind    { return KindNil }

func (Int) sealed()    {}
func (Bool) sealed()   {}
func (Double) sealed() {}
func (String) sealed() {}
func (Binary) sealed() {}
func (List) sealed()   {}
func (Nil) sealed()    {}

// KindOf returns the kind of v, treating a nil interface as KindNil.
func KindOf(v Value) Kind {
	if v == nil {
		return KindNil
	}
	return v.Kind()
}
