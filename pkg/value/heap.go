package value

import "github.com/stensalweb/jstar/pkg/bytecode"

// RootProvider is implemented by the VM: it enumerates every Value the
// collector must treat as a root (the operand stack, open upvalues, the
// currently executing closures/frames, loaded modules' globals, and any
// value the host has pinned through the embedding API). The heap package
// never imports the vm package; this is the one hook the VM uses to tell
// the collector what is alive, keeping pkg/value self-contained.
type RootProvider interface {
	Roots() []Value
}

// Heap owns every GC-traced object, the string intern table, and the
// allocation counters that drive collection, mirroring the teacher's
// convention of a single owning structure (smog leaves this to Go's
// runtime; here it is explicit per spec.md §4.1-§4.3).
type Heap struct {
	head           Object
	strings        map[string]*StringObj
	bytesAllocated int64
	nextGC         int64
	growthFactor   int64
	roots          RootProvider

	// Stress, when set, forces a collection on every allocation, exercising
	// the collector deterministically rather than waiting for the threshold
	// heuristic.
	Stress bool
}

const defaultGCThreshold = 1 << 20 // 1 MiB of charged allocation before the first collection

// NewHeap returns an empty heap with the default GC threshold and growth
// factor (doubling), matching the GC settings of vm.DefaultOptions.
func NewHeap() *Heap {
	return &Heap{
		strings:      make(map[string]*StringObj),
		nextGC:       defaultGCThreshold,
		growthFactor: 2,
	}
}

// SetRoots installs the VM (or any RootProvider) the collector consults
// when marking. Must be called before the first Collect.
func (h *Heap) SetRoots(r RootProvider) { h.roots = r }

// SetThreshold overrides the initial GC threshold and growth factor, used
// by the VM to honor the GC policy in its Options.
func (h *Heap) SetThreshold(initial int64, growthFactor int64) {
	h.nextGC = initial
	h.growthFactor = growthFactor
}

// BytesAllocated reports the heap's current charged allocation total,
// exposed for tests asserting on GC behavior.
func (h *Heap) BytesAllocated() int64 { return h.bytesAllocated }

func (h *Heap) track(o Object, size int64) {
	hdr := o.Header()
	hdr.Next = h.head
	hdr.Size = size
	h.head = o
	h.bytesAllocated += size
	if h.Stress {
		h.Collect()
	} else if h.bytesAllocated > h.nextGC {
		h.Collect()
	}
}

// --- constructors ------------------------------------------------------------

// NewString returns the canonical StringObj for s, allocating one only if
// this exact byte sequence has never been seen (spec.md's interning
// invariant: "An interned string exists at most once... lookup by raw
// bytes returns the canonical instance").
func (h *Heap) NewString(s string) *StringObj {
	if existing, ok := h.strings[s]; ok {
		return existing
	}
	so := &StringObj{Bytes: []byte(s), Interned: true}
	so.Hdr.Kind = KindString
	h.track(so, int64(len(s))+32)
	h.strings[s] = so
	return so
}

// NewList allocates a ListObj owning elems directly (no copy); callers
// that need independent backing storage should pass a fresh slice.
func (h *Heap) NewList(elems []Value) *ListObj {
	l := &ListObj{Elements: elems}
	l.Hdr.Kind = KindList
	h.track(l, int64(len(elems))*16+24)
	return l
}

// NewTuple allocates a fixed-size TupleObj.
func (h *Heap) NewTuple(elems []Value) *TupleObj {
	t := &TupleObj{Elements: elems}
	t.Hdr.Kind = KindTuple
	h.track(t, int64(len(elems))*16+24)
	return t
}

// NewRange allocates a RangeObj.
func (h *Heap) NewRange(start, stop, step float64) *RangeObj {
	r := &RangeObj{Start: start, Stop: stop, Step: step}
	r.Hdr.Kind = KindRange
	h.track(r, 32)
	return r
}

// NewModule allocates a ModuleObj with an empty globals table.
func (h *Heap) NewModule(name *StringObj) *ModuleObj {
	m := &ModuleObj{Name: name, Globals: NewTable()}
	m.Hdr.Kind = KindModule
	h.track(m, 64)
	return m
}

// NewClass allocates a ClassObj with an empty method table and the given
// (possibly nil, for the root of a hierarchy) superclass.
func (h *Heap) NewClass(name *StringObj, super *ClassObj) *ClassObj {
	c := &ClassObj{Name: name, Super: super, Methods: NewTable()}
	c.Hdr.Kind = KindClass
	h.track(c, 64)
	return c
}

// NewInstance allocates an InstanceObj of class with an empty fields
// table.
func (h *Heap) NewInstance(class *ClassObj) *InstanceObj {
	i := &InstanceObj{Fields: NewTable()}
	i.Hdr.Kind = KindInstance
	i.Hdr.Class = class
	h.track(i, 64)
	return i
}

// NewFunction allocates a FunctionObj wrapping a compiled FunctionProto.
func (h *Heap) NewFunction(proto *bytecode.FunctionProto, module *ModuleObj, name *StringObj, defaults []Value) *FunctionObj {
	f := &FunctionObj{Proto: proto, C: Callable{
		IsVararg:     proto.IsVararg,
		Arity:        proto.Arity,
		DefaultCount: proto.DefaultCount,
		Defaults:     defaults,
		Module:       module,
		Name:         name,
	}}
	f.Hdr.Kind = KindFunction
	h.track(f, 96)
	return f
}

// NewNative allocates a NativeObj wrapping a host-provided Go function.
func (h *Heap) NewNative(name *StringObj, arity int, vararg bool, fn NativeFn) *NativeObj {
	n := &NativeObj{C: Callable{Arity: arity, IsVararg: vararg, Name: name}, Fn: fn}
	n.Hdr.Kind = KindNative
	h.track(n, 64)
	return n
}

// NewClosure allocates a ClosureObj over fn, with an Upvalues array sized
// to fn's compiled upvalue count (populated by the VM's OP_CLOSURE
// handler immediately after allocation).
func (h *Heap) NewClosure(fn *FunctionObj) *ClosureObj {
	c := &ClosureObj{Fn: fn, Upvalues: make([]*UpvalueObj, fn.Proto.UpvalueCount)}
	c.Hdr.Kind = KindClosure
	h.track(c, 48+int64(len(c.Upvalues))*8)
	return c
}

// NewUpvalue allocates an open UpvalueObj pointing at addr (a live stack
// slot).
func (h *Heap) NewUpvalue(addr *Value) *UpvalueObj {
	u := &UpvalueObj{Addr: addr}
	u.Hdr.Kind = KindUpvalue
	h.track(u, 48)
	return u
}

// NewBoundMethod allocates a BoundMethodObj pairing receiver with method.
func (h *Heap) NewBoundMethod(receiver Value, method Object) *BoundMethodObj {
	b := &BoundMethodObj{Receiver: receiver, Method: method}
	b.Hdr.Kind = KindBoundMethod
	h.track(b, 48)
	return b
}

// NewStackTrace allocates an empty StackTraceObj ready to accumulate
// frames as an exception unwinds.
func (h *Heap) NewStackTrace() *StackTraceObj {
	s := &StackTraceObj{LastTracedFrame: -1}
	s.Hdr.Kind = KindStackTrace
	h.track(s, 32)
	return s
}

// --- collection ---------------------------------------------------------------

// Collect runs one full stop-the-world mark-sweep cycle: iterative
// marking from the root set via an explicit worklist (no recursion, so
// cyclic object graphs cannot overflow the Go call stack), then a sweep
// that unlinks and frees every unmarked object, cleaning the string
// intern table first so a string that only a dead object referenced does
// not linger forever (spec.md §4.3).
func (h *Heap) Collect() {
	if h.roots == nil {
		return
	}
	var gray []Object
	mark := func(v Value) {
		if !v.IsObject() {
			return
		}
		o := v.AsObject()
		if o == nil {
			return
		}
		hdr := o.Header()
		if hdr.Marked {
			return
		}
		hdr.Marked = true
		gray = append(gray, o)
		if hdr.Class != nil && !hdr.Class.Hdr.Marked {
			hdr.Class.Hdr.Marked = true
			gray = append(gray, hdr.Class)
		}
	}

	for _, v := range h.roots.Roots() {
		mark(v)
	}
	for len(gray) > 0 {
		o := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		o.Trace(mark)
	}

	h.sweep()

	h.nextGC = h.bytesAllocated * h.growthFactor
	if h.nextGC < defaultGCThreshold {
		h.nextGC = defaultGCThreshold
	}
}

func (h *Heap) sweep() {
	for raw, s := range h.strings {
		if !s.Hdr.Marked {
			delete(h.strings, raw)
		}
	}

	var newHead, tail Object
	h.bytesAllocated = 0
	for cur := h.head; cur != nil; {
		hdr := cur.Header()
		next := hdr.Next
		if hdr.Marked {
			hdr.Marked = false
			hdr.Next = nil
			if tail == nil {
				newHead = cur
			} else {
				tail.Header().Next = cur
			}
			tail = cur
			h.bytesAllocated += hdr.Size
		}
		cur = next
	}
	h.head = newHead
}
