package value

import (
	"fmt"

	"github.com/stensalweb/jstar/pkg/bytecode"
)

// ObjKind tags the concrete type a heap Object is, mirroring the
// OBJTYPE enum of original_source/src/vm/object.h.
type ObjKind uint8

const (
	KindString ObjKind = iota
	KindModule
	KindFunction
	KindNative
	KindClass
	KindInstance
	KindList
	KindTuple
	KindRange
	KindBoundMethod
	KindClosure
	KindUpvalue
	KindStackTrace
)

func (k ObjKind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindModule:
		return "Module"
	case KindFunction:
		return "Function"
	case KindNative:
		return "Native"
	case KindClass:
		return "Class"
	case KindInstance:
		return "Instance"
	case KindList:
		return "List"
	case KindTuple:
		return "Tuple"
	case KindRange:
		return "Range"
	case KindBoundMethod:
		return "BoundMethod"
	case KindClosure:
		return "Closure"
	case KindUpvalue:
		return "Upvalue"
	case KindStackTrace:
		return "StackTrace"
	}
	return "Unknown"
}

// Header is the base every heap object shares: its type tag, the GC mark
// bit, a pointer to its class (for method dispatch on primitives and
// instances alike), and the intrusive "next allocated" link the heap's
// sweep phase walks (spec.md §3, "Object is the base for every heap
// entity").
type Header struct {
	Kind   ObjKind
	Marked bool
	Class  *ClassObj
	Next   Object
	Size   int64 // approximate bytes charged against the heap's GC threshold
}

// Object is implemented by every heap entity. Tracing is per-kind: each
// concrete type knows how to visit the Values and Objects it directly
// owns; the collector drives this generically without a type switch of
// its own (spec.md §4.3: "For each marked object, trace children by
// type...").
type Object interface {
	Header() *Header
	Trace(mark func(Value))
}

// --- String ---------------------------------------------------------------

// StringObj is an immutable, byte-exact (not Unicode-aware) string. Its
// hash is computed lazily on first demand and cached, per spec.md §3.
type StringObj struct {
	Hdr      Header
	Bytes    []byte
	hash     uint32
	hashed   bool
	Interned bool
}

func (s *StringObj) Header() *Header        { return &s.Hdr }
func (s *StringObj) Trace(mark func(Value)) {}
func (s *StringObj) String() string         { return string(s.Bytes) }
func (s *StringObj) Len() int               { return len(s.Bytes) }

// Hash computes (and caches) the FNV-1a hash of the string's bytes.
func (s *StringObj) Hash() uint32 {
	if !s.hashed {
		s.hash = fnv1a(s.Bytes)
		s.hashed = true
	}
	return s.hash
}

func fnv1a(b []byte) uint32 {
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// --- Module -----------------------------------------------------------------

// ModuleObj is a top-level namespace with its own globals table,
// identified by name (spec.md glossary).
type ModuleObj struct {
	Hdr     Header
	Name    *StringObj
	Globals *Table
}

func (m *ModuleObj) Header() *Header { return &m.Hdr }
func (m *ModuleObj) Trace(mark func(Value)) {
	mark(ObjectValue(m.Name))
	m.Globals.Trace(mark)
}

// --- Callable header shared by Function and Native --------------------------

// Callable holds the fields shared by every invocable object: arity,
// vararg flag, default-argument array, and the defining module/name. This
// mirrors original_source/src/vm/object.h's Callable struct exactly.
type Callable struct {
	IsVararg     bool
	Arity        int
	DefaultCount int
	Defaults     []Value
	Module       *ModuleObj
	Name         *StringObj
}

func (c *Callable) traceCallable(mark func(Value)) {
	if c.Module != nil {
		mark(ObjectValue(c.Module))
	}
	if c.Name != nil {
		mark(ObjectValue(c.Name))
	}
	for _, d := range c.Defaults {
		mark(d)
	}
}

// FunctionObj is a compiled Blang/J* function: a Callable header plus the
// bytecode Chunk and upvalue count its compiled FunctionProto carries.
type FunctionObj struct {
	Hdr   Header
	C     Callable
	Proto *bytecode.FunctionProto

	// DefiningClass is the class whose method table this function was
	// installed into by OP_METHOD, or nil for a plain function/closure.
	// The compiler has no way to encode "my lexically enclosing class" in
	// a method body's bytecode (OP_GET_SUPER only carries a name), so the
	// VM stamps this in when the method closure is created and installed,
	// and super calls resolve DefiningClass.Super at that point instead.
	DefiningClass *ClassObj
}

func (f *FunctionObj) Header() *Header { return &f.Hdr }
func (f *FunctionObj) Trace(mark func(Value)) {
	f.C.traceCallable(mark)
	if f.DefiningClass != nil {
		mark(ObjectValue(f.DefiningClass))
	}
}

// NativeFn is the signature a host-installed native function implements.
// It receives the receiver ("this", at stack slot 0 in the host embedding
// API's terms) and the call arguments, and returns either a result value
// or a raised exception instance. NativeContext is the narrow capability
// surface a native needs from the VM (see vm.VM, which implements it),
// kept here to avoid pkg/value depending on pkg/vm.
type NativeFn func(ctx NativeContext, receiver Value, args []Value) (Value, *InstanceObj)

// NativeContext is implemented by the VM and passed to every native call,
// giving natives just enough of the VM's capability to allocate heap
// objects, raise exceptions, and write program output, without a
// dependency cycle between pkg/value and pkg/vm.
type NativeContext interface {
	Heap() *Heap
	Raise(className, message string) *InstanceObj
	Write(s string)
	CallValue(callee Value, args []Value) (Value, *InstanceObj)
}

// NativeObj is a host function exposed as a callable value.
type NativeObj struct {
	Hdr Header
	C   Callable
	Fn  NativeFn
}

func (n *NativeObj) Header() *Header        { return &n.Hdr }
func (n *NativeObj) Trace(mark func(Value)) { n.C.traceCallable(mark) }

// --- Class ------------------------------------------------------------------

// ClassObj is a user- or core-defined class: name, optional superclass,
// and a method table mapping selector name to a Function/Native/Closure
// value.
type ClassObj struct {
	Hdr     Header
	Name    *StringObj
	Super   *ClassObj
	Methods *Table
	Module  *ModuleObj
}

func (c *ClassObj) Header() *Header { return &c.Hdr }
func (c *ClassObj) Trace(mark func(Value)) {
	mark(ObjectValue(c.Name))
	if c.Super != nil {
		mark(ObjectValue(c.Super))
	}
	if c.Module != nil {
		mark(ObjectValue(c.Module))
	}
	c.Methods.Trace(mark)
}

// LookupMethod walks the superclass chain starting at c, returning the
// first method found under name and the class that defines it. `super`
// does not rely on that class: it resolves through the method closure's
// DefiningClass.
func (c *ClassObj) LookupMethod(name *StringObj) (Value, *ClassObj, bool) {
	for cls := c; cls != nil; cls = cls.Super {
		if v, ok := cls.Methods.GetByString(name); ok {
			return v, cls, true
		}
	}
	return Value{}, nil, false
}

// --- Instance ----------------------------------------------------------------

// InstanceObj is an instance of a user-defined class; its class is its
// Header's Class field, inherited per spec.md's Object header convention.
type InstanceObj struct {
	Hdr    Header
	Fields *Table
}

func (i *InstanceObj) Header() *Header { return &i.Hdr }
func (i *InstanceObj) Trace(mark func(Value)) {
	i.Fields.Trace(mark)
}

func (i *InstanceObj) Class() *ClassObj { return i.Hdr.Class }

// --- List / Tuple ------------------------------------------------------------

// ListObj is a growable array of Values.
type ListObj struct {
	Hdr      Header
	Elements []Value
}

func (l *ListObj) Header() *Header { return &l.Hdr }
func (l *ListObj) Trace(mark func(Value)) {
	for _, v := range l.Elements {
		mark(v)
	}
}

// TupleObj is a fixed-size array of Values.
type TupleObj struct {
	Hdr      Header
	Elements []Value
}

func (t *TupleObj) Header() *Header { return &t.Hdr }
func (t *TupleObj) Trace(mark func(Value)) {
	for _, v := range t.Elements {
		mark(v)
	}
}

// --- Range -------------------------------------------------------------------

// RangeObj is a numeric range (start, stop, step); it owns no object
// references.
type RangeObj struct {
	Hdr              Header
	Start, Stop, Step float64
}

func (r *RangeObj) Header() *Header        { return &r.Hdr }
func (r *RangeObj) Trace(mark func(Value)) {}

// --- BoundMethod --------------------------------------------------------------

// BoundMethodObj captures a receiver together with the method it is bound
// to, produced when a field-get falls through to the class's method table
// (spec.md §4.7, "field get... producing a BoundMethod").
type BoundMethodObj struct {
	Hdr      Header
	Receiver Value
	Method   Object // *FunctionObj | *NativeObj | *ClosureObj
}

func (b *BoundMethodObj) Header() *Header { return &b.Hdr }
func (b *BoundMethodObj) Trace(mark func(Value)) {
	mark(b.Receiver)
	mark(ObjectValue(b.Method))
}

// --- Closure / Upvalue --------------------------------------------------------

// UpvalueObj is a variable captured from an enclosing frame by a closure.
// While open, Addr points into the live stack slot; NextOpen threads it
// into the VM's strictly-address-descending list of open upvalues. When
// closed, the live value is copied into Closed and Addr is redirected to
// point at that field, so dereferencing Addr keeps working uniformly.
type UpvalueObj struct {
	Hdr      Header
	Addr     *Value
	Closed   Value
	NextOpen *UpvalueObj

	// Slot is the stack index this upvalue was opened at. It is VM
	// bookkeeping only (not part of the spec's object layout) kept here
	// rather than in a side table because the VM's open-upvalue list is
	// already threaded through NextOpen; recording the slot lets the VM
	// keep that list sorted by stack address without relying on pointer
	// arithmetic on Addr.
	Slot int
}

func (u *UpvalueObj) Header() *Header { return &u.Hdr }
func (u *UpvalueObj) Trace(mark func(Value)) {
	mark(*u.Addr)
}

// IsOpen reports whether the upvalue still points into a live stack slot.
func (u *UpvalueObj) IsOpen() bool { return u.Addr != &u.Closed }

// Close copies the live value into the upvalue's own storage and
// redirects Addr to point there, detaching it from the stack.
func (u *UpvalueObj) Close() {
	u.Closed = *u.Addr
	u.Addr = &u.Closed
	u.NextOpen = nil
}

// ClosureObj wraps a FunctionObj together with the upvalues it closes
// over, one per UpvalueDesc its FunctionProto lists.
type ClosureObj struct {
	Hdr      Header
	Fn       *FunctionObj
	Upvalues []*UpvalueObj
}

func (c *ClosureObj) Header() *Header { return &c.Hdr }
func (c *ClosureObj) Trace(mark func(Value)) {
	mark(ObjectValue(c.Fn))
	for _, uv := range c.Upvalues {
		mark(ObjectValue(uv))
	}
}

// --- StackTrace ---------------------------------------------------------------

// TraceFrame is a single rendered frame of a captured StackTrace.
type TraceFrame struct {
	FunctionName string
	ModuleName   string
	Line         int
}

// StackTraceObj holds the frames captured when an exception went
// unhandled past the last frame that could have caught it (spec.md §4.7).
type StackTraceObj struct {
	Hdr             Header
	LastTracedFrame int
	Frames          []TraceFrame
}

func (s *StackTraceObj) Header() *Header        { return &s.Hdr }
func (s *StackTraceObj) Trace(mark func(Value)) {}

// Render formats the captured frames, outermost first and most recent
// last, in the style of
// the teacher's RuntimeError.Error() stack-trace rendering.
func (s *StackTraceObj) Render() string {
	out := ""
	for i := len(s.Frames) - 1; i >= 0; i-- {
		f := s.Frames[i]
		out += fmt.Sprintf("  at %s in %s, line %d\n", f.FunctionName, f.ModuleName, f.Line)
	}
	return out
}
