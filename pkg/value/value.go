// Package value implements the object system and memory manager: the
// tagged Value datum, the heterogeneous heap of garbage-collected objects,
// string interning, and the tracing mark-sweep collector (spec.md §3, §4.1
// -§4.3). It is the one package in this module with no sibling-package
// dependency other than bytecode (for FunctionProto/Chunk), which keeps it
// usable from both the compiler (constant folding, interning literals) and
// the vm package (everything else).
package value

import "fmt"

// Type tags the variant a Value currently holds.
type Type uint8

const (
	Null Type = iota
	Bool
	Number
	Handle
	ObjectVal
)

// Value is the uniform, fixed-width datum every Blang/J* expression
// evaluates to. Rather than an interface{} (which would let any Go value
// slip into the VM undetected), it is a small tagged struct: precisely the
// five variants spec.md §3 lists, no more.
type Value struct {
	typ    Type
	num    float64     // Number payload, and Bool payload (0/1)
	handle interface{} // Handle payload: an opaque host-owned pointer
	obj    Object      // ObjectVal payload
}

func NullValue() Value           { return Value{typ: Null} }
func BoolValue(b bool) Value     { return Value{typ: Bool, num: boolToFloat(b)} }
func NumberValue(n float64) Value { return Value{typ: Number, num: n} }
func HandleValue(h interface{}) Value {
	return Value{typ: Handle, handle: h}
}
func ObjectValue(o Object) Value { return Value{typ: ObjectVal, obj: o} }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (v Value) Type() Type      { return v.typ }
func (v Value) IsNull() bool    { return v.typ == Null }
func (v Value) IsBool() bool    { return v.typ == Bool }
func (v Value) IsNumber() bool  { return v.typ == Number }
func (v Value) IsHandle() bool  { return v.typ == Handle }
func (v Value) IsObject() bool  { return v.typ == ObjectVal }

func (v Value) AsBool() bool         { return v.num != 0 }
func (v Value) AsNumber() float64    { return v.num }
func (v Value) AsHandle() interface{} { return v.handle }
func (v Value) AsObject() Object     { return v.obj }

// IsObjectType reports whether v holds a heap object of exactly kind k.
func (v Value) IsObjectType(k ObjKind) bool {
	return v.typ == ObjectVal && v.obj != nil && v.obj.Header().Kind == k
}

// Falsey implements spec.md §3: "null and false are falsy; all other
// values, including 0 and empty strings, are truthy."
func (v Value) Falsey() bool {
	return v.typ == Null || (v.typ == Bool && v.num == 0)
}

func (v Value) Truthy() bool { return !v.Falsey() }

// Equal implements value equality: numbers and booleans compare by value,
// null equals null, objects compare by identity except for strings, which
// compare by interned pointer identity (spec.md invariant: "An interned
// string exists at most once... lookup by raw bytes returns the canonical
// instance" makes pointer equality sound for strings too).
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case Null:
		return true
	case Bool, Number:
		return v.num == o.num
	case Handle:
		return v.handle == o.handle
	case ObjectVal:
		if vs, ok := v.obj.(*StringObj); ok {
			os, ok2 := o.obj.(*StringObj)
			return ok2 && vs == os
		}
		return v.obj == o.obj
	}
	return false
}

// GoString renders a Value for debugging (not the user-facing "print"
// representation, which lives in the vm package's stringify since
// it may invoke a __string__ method).
func (v Value) GoString() string {
	switch v.typ {
	case Null:
		return "null"
	case Bool:
		return fmt.Sprintf("%v", v.AsBool())
	case Number:
		return fmt.Sprintf("%g", v.num)
	case Handle:
		return fmt.Sprintf("<handle %v>", v.handle)
	case ObjectVal:
		return fmt.Sprintf("<object %T>", v.obj)
	}
	return "<invalid>"
}
