// Package vm executes the bytecode the compiler package produces: a
// stack-based dispatch loop over pkg/bytecode.Chunk, method resolution
// through class hierarchies, upvalue-closing closures, and exception
// unwinding via explicit handler tables (spec.md §4.7). It also owns the
// core class/native installation (§4.8) and implements value.NativeContext
// and value.RootProvider so pkg/value never has to import this package.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/stensalweb/jstar/pkg/bytecode"
	"github.com/stensalweb/jstar/pkg/compiler"
	"github.com/stensalweb/jstar/pkg/parser"
	"github.com/stensalweb/jstar/pkg/value"
)

// ModuleLoader resolves an imported module name to its source, mirroring
// original_source/src/import.h's resolver contract: nil/false means "no
// such module".
type ModuleLoader func(name string) (src []byte, ok bool)

// Options configures a VM instance. New replaces every zero field (and a
// non-positive size or GC setting) with DefaultOptions' value, so the zero
// value is usable; override only what the embedder cares about, the
// same "hardcoded defaults, overridable struct" shape the teacher's
// vm.New uses for stack/locals sizing.
type Options struct {
	StackSize          int
	GCInitialThreshold int64
	GCGrowthFactor     int64
	Stdout             io.Writer
	Stdin              io.Reader
	Loader             ModuleLoader
}

// DefaultOptions returns the teacher-style hardcoded defaults.
func DefaultOptions() Options {
	return Options{
		StackSize:          64 * 1024,
		GCInitialThreshold: 1 << 20,
		GCGrowthFactor:     2,
		Stdout:             os.Stdout,
		Stdin:              os.Stdin,
	}
}

// Frame is one activation record: the executing closure, the stack index
// of its "this"/slot-0, and the instruction pointer into its chunk.
type Frame struct {
	closure *value.ClosureObj
	base    int
	ip      int
}

// VM is a single, independent interpreter instance. Every piece of process
// -wide-looking state (module registry, intern table via the heap, core
// class cache) is a field here rather than a package global, per spec.md
// §9's note that every such table must live on the VM value so multiple
// VMs can coexist.
type VM struct {
	heap         *value.Heap
	stack        []value.Value
	sp           int
	frames       []Frame
	openUpvalues *value.UpvalueObj

	modules map[string]*value.ModuleObj
	core    *value.ModuleObj
	classes map[string]*value.ClassObj
	natives map[string]*value.NativeObj

	opts    Options
	out     io.Writer
	in      *bufio.Reader
	halted  bool
	traceID *value.StringObj
}

// New allocates a VM and installs the core classes/natives described in
// spec.md §4.8, ready for Interpret.
func New(opts Options) *VM {
	def := DefaultOptions()
	if opts.StackSize <= 0 {
		opts.StackSize = def.StackSize
	}
	if opts.GCInitialThreshold <= 0 {
		opts.GCInitialThreshold = def.GCInitialThreshold
	}
	if opts.GCGrowthFactor <= 0 {
		opts.GCGrowthFactor = def.GCGrowthFactor
	}
	if opts.Stdout == nil {
		opts.Stdout = def.Stdout
	}
	if opts.Stdin == nil {
		opts.Stdin = def.Stdin
	}

	vm := &VM{
		heap:    value.NewHeap(),
		stack:   make([]value.Value, opts.StackSize),
		frames:  make([]Frame, 0, 256),
		modules: make(map[string]*value.ModuleObj),
		classes: make(map[string]*value.ClassObj),
		natives: make(map[string]*value.NativeObj),
		opts:    opts,
		out:     opts.Stdout,
		in:      bufio.NewReader(opts.Stdin),
	}
	vm.heap.SetThreshold(opts.GCInitialThreshold, opts.GCGrowthFactor)
	vm.heap.SetRoots(vm)
	vm.traceID = vm.heap.NewString("__trace__")
	vm.installCore()
	return vm
}

// Halt requests that the dispatch loop raise a TerminationException at its
// next instruction boundary (spec.md §5's cooperative cancellation).
func (vm *VM) Halt() { vm.halted = true }

// --- host embedding API (spec.md §6) -----------------------------------------

func (vm *VM) PushNull()                { vm.push(value.NullValue()) }
func (vm *VM) PushBool(b bool)           { vm.push(value.BoolValue(b)) }
func (vm *VM) PushNumber(n float64)      { vm.push(value.NumberValue(n)) }
func (vm *VM) PushString(s string)       { vm.push(value.ObjectValue(vm.newString(s))) }
func (vm *VM) PushHandle(h interface{})  { vm.push(value.HandleValue(h)) }

// CheckNumber and CheckHandle are the typed getters/checkers the host
// embedding API names, raising InvalidArgException on a type mismatch
// rather than silently returning a zero value.
func (vm *VM) CheckNumber(v value.Value) (float64, *value.InstanceObj) {
	if !v.IsNumber() {
		return 0, vm.makeException("InvalidArgException", "expected a number")
	}
	return v.AsNumber(), nil
}

func (vm *VM) CheckHandle(v value.Value) (interface{}, *value.InstanceObj) {
	if !v.IsHandle() {
		return nil, vm.makeException("InvalidArgException", "expected a handle")
	}
	return v.AsHandle(), nil
}

// GetField and SetField implement the host embedding API's field accessors
// against an instance's own field table (not the class method table).
func (vm *VM) GetField(recv value.Value, name string) (value.Value, bool) {
	inst, ok := recv.AsObject().(*value.InstanceObj)
	if !ok {
		return value.Value{}, false
	}
	return inst.Fields.GetByString(vm.heap.NewString(name))
}

func (vm *VM) SetField(recv value.Value, name string, v value.Value) bool {
	inst, ok := recv.AsObject().(*value.InstanceObj)
	if !ok {
		return false
	}
	inst.Fields.Put(vm.heap.NewString(name), v)
	return true
}

// RegisterNative binds a host Go function under name so a script's
// top-level `native name(...)` declaration (spec.md line 94 grammar)
// resolves to it at OP_CLOSURE time instead of raising NameException
// (spec.md line 136's host embedding API contract). defaults holds one
// entry per defaulted trailing parameter, matching how Callable.Defaults
// is populated for a compiled function.
func (vm *VM) RegisterNative(name string, arity int, vararg bool, defaults []value.Value, fn value.NativeFn) {
	native := vm.heap.NewNative(vm.heap.NewString(name), arity, vararg, fn)
	native.C.DefaultCount = len(defaults)
	native.C.Defaults = defaults
	native.Hdr.Class = vm.classes["Function"]
	vm.natives[name] = native
}

// --- compile + run entry points ----------------------------------------------

// CompileError wraps every diagnostic recorded while lexing/parsing or
// compiling a source file (spec.md §6/§7: exit code 65).
type CompileError struct {
	Messages []string
}

func (e *CompileError) Error() string {
	out := "compile error:"
	for _, m := range e.Messages {
		out += "\n  " + m
	}
	return out
}

// Interpret compiles src as a module named moduleName and runs its top
// level to completion. The returned error distinguishes compile-time
// failure (*CompileError, exit code 65) from run-time failure
// (*RuntimeError, exit code 70) for cmd/jstar to map to a process exit
// code.
func (vm *VM) Interpret(src []byte, moduleName string) (result value.Value, err error) {
	prog, perrs := parser.Parse(string(src))
	if len(perrs) > 0 {
		ce := &CompileError{}
		for _, e := range perrs {
			ce.Messages = append(ce.Messages, e.Error())
		}
		return value.Value{}, ce
	}

	module := vm.getOrCreateModule(moduleName)
	proto, cerrs := compiler.Compile(prog, moduleName)
	if len(cerrs) > 0 {
		ce := &CompileError{}
		for _, e := range cerrs {
			ce.Messages = append(ce.Messages, e.Error())
		}
		return value.Value{}, ce
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	fn := vm.heap.NewFunction(proto, module, vm.heap.NewString(proto.Name), nil)
	fn.Hdr.Class = vm.classes["Function"]
	closure := vm.heap.NewClosure(fn)
	closure.Hdr.Class = vm.classes["Function"]
	vm.push(value.ObjectValue(closure))

	floor := len(vm.frames)
	vm.frames = append(vm.frames, Frame{closure: closure, base: vm.sp - 1})
	res, exc := vm.runLoop(floor)
	if exc != nil {
		return value.Value{}, vm.toRuntimeError(exc)
	}
	return res, nil
}

// getOrCreateModule returns the named module, creating and registering an
// empty one the first time it is requested.
func (vm *VM) getOrCreateModule(name string) *value.ModuleObj {
	if m, ok := vm.modules[name]; ok {
		return m
	}
	m := vm.heap.NewModule(vm.heap.NewString(name))
	m.Hdr.Class = vm.classes["Module"]
	vm.modules[name] = m
	return m
}

// --- stack helpers ------------------------------------------------------------

func (vm *VM) push(v value.Value) {
	if vm.sp >= len(vm.stack) {
		panic("stack overflow")
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() value.Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(depth int) value.Value { return vm.stack[vm.sp-1-depth] }

// --- allocation wrappers that stamp Header.Class --------------------------

func (vm *VM) newString(s string) *value.StringObj {
	so := vm.heap.NewString(s)
	so.Hdr.Class = vm.classes["String"]
	return so
}

func (vm *VM) newList(elems []value.Value) *value.ListObj {
	l := vm.heap.NewList(elems)
	l.Hdr.Class = vm.classes["List"]
	return l
}

func (vm *VM) newTuple(elems []value.Value) *value.TupleObj {
	t := vm.heap.NewTuple(elems)
	t.Hdr.Class = vm.classes["Tuple"]
	return t
}

func (vm *VM) newRange(start, stop, step float64) *value.RangeObj {
	r := vm.heap.NewRange(start, stop, step)
	r.Hdr.Class = vm.classes["Range"]
	return r
}

// --- GC roots / NativeContext -------------------------------------------------

// Roots implements value.RootProvider.
func (vm *VM) Roots() []value.Value {
	roots := make([]value.Value, 0, vm.sp+len(vm.frames)+8)
	roots = append(roots, vm.stack[:vm.sp]...)
	for _, f := range vm.frames {
		roots = append(roots, value.ObjectValue(f.closure))
	}
	for uv := vm.openUpvalues; uv != nil; uv = uv.NextOpen {
		roots = append(roots, value.ObjectValue(uv))
	}
	if vm.core != nil {
		roots = append(roots, value.ObjectValue(vm.core))
	}
	for _, m := range vm.modules {
		roots = append(roots, value.ObjectValue(m))
	}
	for _, n := range vm.natives {
		roots = append(roots, value.ObjectValue(n))
	}
	return roots
}

// Heap implements value.NativeContext.
func (vm *VM) Heap() *value.Heap { return vm.heap }

// Raise implements value.NativeContext.
func (vm *VM) Raise(className, message string) *value.InstanceObj {
	return vm.makeException(className, message)
}

// Write implements value.NativeContext.
func (vm *VM) Write(s string) { io.WriteString(vm.out, s) }

// CallValue implements value.NativeContext: a native re-entering the VM to
// invoke a script value (e.g. a callback passed to a list-iteration
// native).
func (vm *VM) CallValue(callee value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
	base := vm.sp
	vm.push(value.NullValue())
	for _, a := range args {
		vm.push(a)
	}
	exc := vm.callValueAt(base, len(args), callee, value.NullValue())
	if exc != nil {
		vm.sp = base
		return value.Value{}, exc
	}
	result := vm.stack[base]
	vm.sp = base
	return result, nil
}

// --- classOf / exception construction ----------------------------------------

// classOf resolves the class used for method dispatch on v: an instance's
// own class, any other heap object's stamped Header.Class, or one of the
// three primitive core classes. Handles have no class (spec.md: an opaque
// host-owned pointer).
func (vm *VM) classOf(v value.Value) *value.ClassObj {
	switch {
	case v.IsObject():
		if o := v.AsObject(); o != nil {
			return o.Header().Class
		}
		return nil
	case v.IsNull():
		return vm.classes["Null"]
	case v.IsBool():
		return vm.classes["Boolean"]
	case v.IsNumber():
		return vm.classes["Number"]
	default:
		return nil
	}
}

// makeException allocates an instance of the named core exception class
// (falling back to Exception if the name is unregistered) with its "err"
// field set to message, rooting the instance on the stack while building
// it (spec.md §9's shadow-stack rooting note).
func (vm *VM) makeException(className, message string) *value.InstanceObj {
	class := vm.classes[className]
	if class == nil {
		class = vm.classes["Exception"]
	}
	inst := vm.heap.NewInstance(class)
	vm.push(value.ObjectValue(inst))
	msg := vm.newString(message)
	inst.Fields.Put(vm.heap.NewString("err"), value.ObjectValue(msg))
	vm.pop()
	return inst
}

// classIsNamed reports whether cls, or one of its ancestors, is named name.
func classIsNamed(cls *value.ClassObj, name *value.StringObj) bool {
	for c := cls; c != nil; c = c.Super {
		if c.Name == name {
			return true
		}
	}
	return false
}

// --- exception unwinding -------------------------------------------------------

// appendTrace records one stack frame's function/module/line into exc's
// accumulated trace, creating it on first use. Storing the trace directly
// on the exception instance (rather than VM-level state) lets it survive
// crossing a Go-recursion boundary: when a native re-enters the VM via
// CallValue, the search for a handler continues in the caller's own
// runLoop invocation and keeps appending to the same trace object.
func (vm *VM) appendTrace(exc *value.InstanceObj, name, module string, line int) {
	var trace *value.StackTraceObj
	if v, ok := exc.Fields.GetByString(vm.traceID); ok {
		trace, _ = v.AsObject().(*value.StackTraceObj)
	}
	if trace == nil {
		trace = vm.heap.NewStackTrace()
		trace.Hdr.Class = vm.classes["StackTrace"]
		exc.Fields.Put(vm.traceID, value.ObjectValue(trace))
	}
	trace.Frames = append(trace.Frames, value.TraceFrame{FunctionName: name, ModuleName: module, Line: line})
}

// unwindTo searches frames[floor:] from the top down for a handler whose
// range covers the raising instruction and whose class matches exc,
// popping (and trace-recording) every frame examined along the way.
// Reports whether a handler was found and installed.
func (vm *VM) unwindTo(floor int, exc *value.InstanceObj) bool {
	for len(vm.frames) > floor {
		frame := &vm.frames[len(vm.frames)-1]
		chunk := frame.closure.Fn.Proto.Chunk
		pc := frame.ip - 1
		line := chunk.Lines[pc]

		for _, h := range chunk.Handlers {
			if pc < h.TryStart || pc >= h.TryEnd {
				continue
			}
			className, _ := chunk.Constants[h.ClassConst].(string)
			if !classIsNamed(exc.Class(), vm.heap.NewString(className)) {
				continue
			}
			base := frame.base
			vm.closeUpvaluesFrom(base + h.StackDepth)
			vm.sp = base + h.StackDepth
			vm.push(value.ObjectValue(exc))
			frame.ip = h.HandlerPC
			return true
		}

		vm.appendTrace(exc, frame.closure.Fn.C.Name.String(), frame.closure.Fn.C.Module.Name.String(), line)
		vm.closeUpvaluesFrom(frame.base)
		vm.sp = frame.base
		vm.frames = vm.frames[:len(vm.frames)-1]
	}
	return false
}

// --- upvalues ------------------------------------------------------------------

func (vm *VM) captureUpvalue(slot int) *value.UpvalueObj {
	var prev *value.UpvalueObj
	cur := vm.openUpvalues
	for cur != nil && cur.Slot > slot {
		prev = cur
		cur = cur.NextOpen
	}
	if cur != nil && cur.Slot == slot {
		return cur
	}
	uv := vm.heap.NewUpvalue(&vm.stack[slot])
	uv.Slot = slot
	uv.NextOpen = cur
	if prev == nil {
		vm.openUpvalues = uv
	} else {
		prev.NextOpen = uv
	}
	return uv
}

func (vm *VM) closeUpvaluesFrom(minSlot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.Slot >= minSlot {
		uv := vm.openUpvalues
		vm.openUpvalues = uv.NextOpen // read before Close clears it
		uv.Close()
	}
}

// --- calling convention --------------------------------------------------------

// adjustArgs validates argCount against callable's arity/defaults/vararg
// shape, fills in missing defaulted parameters, and (for a vararg
// callable) collects any surplus arguments into a tuple bound to the
// vararg slot, per spec.md §8's Arity invariant.
func (vm *VM) adjustArgs(callable *value.Callable, base, argCount int) *value.InstanceObj {
	required := callable.Arity
	maxNamed := callable.Arity + callable.DefaultCount
	if argCount < required {
		return vm.makeException("InvalidArgException",
			fmt.Sprintf("expected at least %d arguments, got %d", required, argCount))
	}
	if !callable.IsVararg && argCount > maxNamed {
		return vm.makeException("InvalidArgException",
			fmt.Sprintf("expected at most %d arguments, got %d", maxNamed, argCount))
	}
	for paramIdx := argCount; paramIdx < maxNamed; paramIdx++ {
		vm.stack[base+1+paramIdx] = callable.Defaults[paramIdx-required]
	}
	if callable.IsVararg {
		var surplus []value.Value
		if argCount > maxNamed {
			surplus = append([]value.Value(nil), vm.stack[base+1+maxNamed:base+1+argCount]...)
		}
		tuple := vm.newTuple(surplus)
		slot := base + 1 + maxNamed
		if slot >= len(vm.stack) {
			panic("stack overflow")
		}
		vm.stack[slot] = value.ObjectValue(tuple)
		vm.sp = slot + 1
	} else {
		vm.sp = base + 1 + maxNamed
	}
	return nil
}

// callValueAt executes callee as a call: args already sit on the stack at
// base+1..base+argCount, and vm.stack[base] becomes receiver (slot 0 /
// "this"). On success leaves vm.sp == base+1 with the result at
// vm.stack[base] and returns nil; on failure returns the uncaught (within
// this call's own frames) exception. vm.sp is left at base when the callee
// itself raised; when callee is not callable or the argument count is
// rejected, vm.sp is left unchanged.
func (vm *VM) callValueAt(base, argCount int, callee, receiver value.Value) *value.InstanceObj {
	vm.stack[base] = receiver
	if !callee.IsObject() {
		return vm.makeException("TypeException", fmt.Sprintf("%s is not callable", callee.GoString()))
	}
	switch c := callee.AsObject().(type) {
	case *value.ClosureObj:
		if exc := vm.adjustArgs(&c.Fn.C, base, argCount); exc != nil {
			return exc
		}
		newFloor := len(vm.frames)
		vm.frames = append(vm.frames, Frame{closure: c, base: base})
		_, exc := vm.runLoop(newFloor)
		return exc
	case *value.NativeObj:
		if exc := vm.adjustArgs(&c.C, base, argCount); exc != nil {
			return exc
		}
		args := append([]value.Value(nil), vm.stack[base+1:vm.sp]...)
		result, exc := c.Fn(vm, receiver, args)
		vm.sp = base
		if exc != nil {
			return exc
		}
		vm.push(result)
		return nil
	case *value.BoundMethodObj:
		return vm.callValueAt(base, argCount, value.ObjectValue(c.Method), c.Receiver)
	case *value.ClassObj:
		inst := vm.heap.NewInstance(c)
		instVal := value.ObjectValue(inst)
		vm.stack[base] = instVal
		if initVal, _, ok := c.LookupMethod(vm.heap.NewString("init")); ok {
			if exc := vm.callValueAt(base, argCount, initVal, instVal); exc != nil {
				return exc
			}
		} else if argCount > 0 {
			return vm.makeException("InvalidArgException", c.Name.String()+" takes no arguments")
		}
		vm.sp = base
		vm.push(instVal)
		return nil
	default:
		return vm.makeException("TypeException", fmt.Sprintf("%s is not callable", callee.GoString()))
	}
}

// callMethodSync looks up name on recv's class and calls it synchronously,
// used by operator-method dispatch and iteration-protocol natives.
func (vm *VM) callMethodSync(recv value.Value, name string, args []value.Value) (value.Value, *value.InstanceObj) {
	class := vm.classOf(recv)
	if class == nil {
		return value.Value{}, vm.makeException("MethodException", "no method '"+name+"' on "+recv.GoString())
	}
	methodVal, _, ok := class.LookupMethod(vm.heap.NewString(name))
	if !ok {
		return value.Value{}, vm.makeException("MethodException", "undefined method '"+name+"'")
	}
	base := vm.sp
	vm.push(value.NullValue())
	for _, a := range args {
		vm.push(a)
	}
	exc := vm.callValueAt(base, len(args), methodVal, recv)
	if exc != nil {
		vm.sp = base
		return value.Value{}, exc
	}
	result := vm.stack[base]
	vm.sp = base
	return result, nil
}

func (vm *VM) hasMethod(recv value.Value, name string) bool {
	class := vm.classOf(recv)
	if class == nil {
		return false
	}
	_, _, ok := class.LookupMethod(vm.heap.NewString(name))
	return ok
}

// --- binary operator dispatch --------------------------------------------------

var operatorMethodNames = map[bytecode.Opcode][2]string{
	bytecode.OpAdd:          {"__add__", "__radd__"},
	bytecode.OpSub:          {"__sub__", "__rsub__"},
	bytecode.OpMul:          {"__mul__", "__rmul__"},
	bytecode.OpDiv:          {"__div__", "__rdiv__"},
	bytecode.OpMod:          {"__mod__", "__rmod__"},
	bytecode.OpPow:          {"__pow__", "__rpow__"},
	bytecode.OpLess:         {"__lt__", ""},
	bytecode.OpLessEqual:    {"__le__", ""},
	bytecode.OpGreater:      {"__gt__", ""},
	bytecode.OpGreaterEqual: {"__ge__", ""},
}

// arith implements the numeric fast path and falls through to
// operator-method dispatch per spec.md §9's "operators dispatch
// dynamically against the operand's class when it is not a number."
func (vm *VM) arith(op bytecode.Opcode, a, b value.Value) (value.Value, *value.InstanceObj) {
	if a.IsNumber() && b.IsNumber() {
		x, y := a.AsNumber(), b.AsNumber()
		switch op {
		case bytecode.OpAdd:
			return value.NumberValue(x + y), nil
		case bytecode.OpSub:
			return value.NumberValue(x - y), nil
		case bytecode.OpMul:
			return value.NumberValue(x * y), nil
		case bytecode.OpDiv:
			if y == 0 {
				return value.Value{}, vm.makeException("TypeException", "division by zero")
			}
			return value.NumberValue(x / y), nil
		case bytecode.OpMod:
			if y == 0 {
				return value.Value{}, vm.makeException("TypeException", "division by zero")
			}
			return value.NumberValue(math.Mod(x, y)), nil
		case bytecode.OpPow:
			return value.NumberValue(math.Pow(x, y)), nil
		case bytecode.OpLess:
			return value.BoolValue(x < y), nil
		case bytecode.OpLessEqual:
			return value.BoolValue(x <= y), nil
		case bytecode.OpGreater:
			return value.BoolValue(x > y), nil
		case bytecode.OpGreaterEqual:
			return value.BoolValue(x >= y), nil
		}
	}
	if op == bytecode.OpAdd && a.IsObjectType(value.KindString) && b.IsObjectType(value.KindString) {
		as := a.AsObject().(*value.StringObj).String()
		bs := b.AsObject().(*value.StringObj).String()
		return value.ObjectValue(vm.newString(as + bs)), nil
	}

	names, ok := operatorMethodNames[op]
	if !ok {
		return value.Value{}, vm.makeException("TypeException", "unsupported operator")
	}
	if class := vm.classOf(a); class != nil {
		if _, _, found := class.LookupMethod(vm.heap.NewString(names[0])); found {
			return vm.callMethodSync(a, names[0], []value.Value{b})
		}
	}
	if names[1] != "" {
		if class := vm.classOf(b); class != nil {
			if _, _, found := class.LookupMethod(vm.heap.NewString(names[1])); found {
				return vm.callMethodSync(b, names[1], []value.Value{a})
			}
		}
	}
	return value.Value{}, vm.makeException("TypeException",
		fmt.Sprintf("unsupported operand types for operator: %s and %s", a.GoString(), b.GoString()))
}

// --- field / index access -----------------------------------------------------

// getField implements instance-table lookup with class-method fallback
// producing a BoundMethod, per spec.md §4.7.
func (vm *VM) getField(recv value.Value, name string) (value.Value, *value.InstanceObj) {
	key := vm.heap.NewString(name)
	if inst, ok := recv.AsObject().(*value.InstanceObj); ok {
		if v, ok := inst.Fields.GetByString(key); ok {
			return v, nil
		}
	}
	class := vm.classOf(recv)
	if class == nil {
		return value.Value{}, vm.makeException("NameException", "no field or method '"+name+"'")
	}
	method, _, ok := class.LookupMethod(key)
	if !ok {
		return value.Value{}, vm.makeException("NameException", "no field or method '"+name+"'")
	}
	bound := vm.heap.NewBoundMethod(recv, method.AsObject())
	bound.Hdr.Class = vm.classes["Function"]
	return value.ObjectValue(bound), nil
}

func (vm *VM) setField(recv value.Value, name string, v value.Value) *value.InstanceObj {
	inst, ok := recv.AsObject().(*value.InstanceObj)
	if !ok {
		return vm.makeException("TypeException", "cannot set fields on "+recv.GoString())
	}
	inst.Fields.Put(vm.heap.NewString(name), v)
	return nil
}

func (vm *VM) getIndex(recv, idx value.Value) (value.Value, *value.InstanceObj) {
	if recv.IsObjectType(value.KindList) || recv.IsObjectType(value.KindTuple) {
		elems := elementsOf(recv)
		i, ierr := vm.indexFor(idx, len(elems))
		if ierr != nil {
			return value.Value{}, ierr
		}
		return elems[i], nil
	}
	if recv.IsObjectType(value.KindString) {
		s := recv.AsObject().(*value.StringObj)
		i, ierr := vm.indexFor(idx, s.Len())
		if ierr != nil {
			return value.Value{}, ierr
		}
		return value.ObjectValue(vm.newString(string(s.Bytes[i]))), nil
	}
	if vm.hasMethod(recv, "__get__") {
		return vm.callMethodSync(recv, "__get__", []value.Value{idx})
	}
	return value.Value{}, vm.makeException("TypeException", "value is not indexable")
}

func (vm *VM) setIndex(recv, idx, v value.Value) *value.InstanceObj {
	if recv.IsObjectType(value.KindList) {
		l := recv.AsObject().(*value.ListObj)
		i, ierr := vm.indexFor(idx, len(l.Elements))
		if ierr != nil {
			return ierr
		}
		l.Elements[i] = v
		return nil
	}
	if vm.hasMethod(recv, "__set__") {
		_, exc := vm.callMethodSync(recv, "__set__", []value.Value{idx, v})
		return exc
	}
	return vm.makeException("TypeException", "value does not support index assignment")
}

func elementsOf(v value.Value) []value.Value {
	switch o := v.AsObject().(type) {
	case *value.ListObj:
		return o.Elements
	case *value.TupleObj:
		return o.Elements
	}
	return nil
}

func (vm *VM) indexFor(idx value.Value, length int) (int, *value.InstanceObj) {
	if !idx.IsNumber() {
		return 0, vm.makeException("TypeException", "index must be a number")
	}
	i := int(idx.AsNumber())
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, vm.makeException("InvalidArgException", "index out of range")
	}
	return i, nil
}

// --- the dispatch loop ----------------------------------------------------------

// runLoop executes frames[floor:] until the frame at index floor returns
// (len(vm.frames) drops back to floor) or an exception propagates past
// floor uncaught; in the latter case vm.frames is already truncated to
// exactly floor by unwindTo before this returns.
func (vm *VM) runLoop(floor int) (value.Value, *value.InstanceObj) {
	for {
		if vm.halted {
			exc := vm.makeException("TerminationException", "execution halted by host")
			if vm.unwindTo(floor, exc) {
				continue
			}
			return value.Value{}, exc
		}

		frame := &vm.frames[len(vm.frames)-1]
		chunk := frame.closure.Fn.Proto.Chunk
		inst := chunk.Code[frame.ip]
		frame.ip++

		switch inst.Op {
		case bytecode.OpConstant:
			vm.push(vm.constantValue(chunk, inst.Operand))
		case bytecode.OpNull:
			vm.push(value.NullValue())
		case bytecode.OpTrue:
			vm.push(value.BoolValue(true))
		case bytecode.OpFalse:
			vm.push(value.BoolValue(false))
		case bytecode.OpPop:
			vm.pop()
		case bytecode.OpDup:
			vm.push(vm.peek(inst.Operand))

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow,
			bytecode.OpLess, bytecode.OpLessEqual, bytecode.OpGreater, bytecode.OpGreaterEqual:
			b := vm.pop()
			a := vm.pop()
			res, exc := vm.arith(inst.Op, a, b)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(res)

		case bytecode.OpNegate:
			a := vm.pop()
			if !a.IsNumber() {
				exc := vm.makeException("TypeException", "operand to unary - must be a number")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(value.NumberValue(-a.AsNumber()))
		case bytecode.OpNot:
			a := vm.pop()
			vm.push(value.BoolValue(a.Falsey()))
		case bytecode.OpLen:
			a := vm.pop()
			n, exc := vm.lengthOf(a)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(value.NumberValue(float64(n)))

		case bytecode.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.BoolValue(a.Equal(b)))
		case bytecode.OpNotEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.BoolValue(!a.Equal(b)))

		case bytecode.OpGetLocal:
			vm.push(vm.stack[frame.base+inst.Operand])
		case bytecode.OpSetLocal:
			vm.stack[frame.base+inst.Operand] = vm.peek(0)

		case bytecode.OpGetUpvalue:
			vm.push(*frame.closure.Upvalues[inst.Operand].Addr)
		case bytecode.OpSetUpvalue:
			*frame.closure.Upvalues[inst.Operand].Addr = vm.peek(0)

		case bytecode.OpGetGlobal:
			name := chunk.Constants[inst.Operand].(string)
			key := vm.heap.NewString(name)
			mod := frame.closure.Fn.C.Module
			v, ok := mod.Globals.GetByString(key)
			if !ok && vm.core != nil {
				v, ok = vm.core.Globals.GetByString(key)
			}
			if !ok {
				exc := vm.makeException("NameException", "undefined global '"+name+"'")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)
		case bytecode.OpSetGlobal:
			name := chunk.Constants[inst.Operand].(string)
			frame.closure.Fn.C.Module.Globals.Put(vm.heap.NewString(name), vm.peek(0))
		case bytecode.OpDefineGlobal:
			name := chunk.Constants[inst.Operand].(string)
			frame.closure.Fn.C.Module.Globals.Put(vm.heap.NewString(name), vm.pop())

		case bytecode.OpGetField:
			name := chunk.Constants[inst.Operand].(string)
			recv := vm.pop()
			v, exc := vm.getField(recv, name)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)
		case bytecode.OpSetField:
			name := chunk.Constants[inst.Operand].(string)
			v := vm.pop()
			recv := vm.pop()
			if exc := vm.setField(recv, name, v); exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)
		case bytecode.OpGetSuper:
			name := chunk.Constants[inst.Operand].(string)
			this := vm.pop()
			dc := frame.closure.Fn.DefiningClass
			if dc == nil || dc.Super == nil {
				exc := vm.makeException("MethodException", "no superclass for '"+name+"'")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			method, _, ok := dc.Super.LookupMethod(vm.heap.NewString(name))
			if !ok {
				// No superclass method: fields live on the instance, so
				// super.name reads this's own field when it has one.
				if inst, isInst := this.AsObject().(*value.InstanceObj); isInst {
					if v, has := inst.Fields.GetByString(vm.heap.NewString(name)); has {
						vm.push(v)
						break
					}
				}
				exc := vm.makeException("MethodException", "undefined method '"+name+"' on superclass")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			bound := vm.heap.NewBoundMethod(this, method.AsObject())
			bound.Hdr.Class = vm.classes["Function"]
			vm.push(value.ObjectValue(bound))

		case bytecode.OpGetIndex:
			idx := vm.pop()
			recv := vm.pop()
			v, exc := vm.getIndex(recv, idx)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)
		case bytecode.OpSetIndex:
			v := vm.pop()
			idx := vm.pop()
			recv := vm.pop()
			if exc := vm.setIndex(recv, idx, v); exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)

		case bytecode.OpBuildList:
			n := inst.Operand
			elems := append([]value.Value(nil), vm.stack[vm.sp-n:vm.sp]...)
			vm.sp -= n
			vm.push(value.ObjectValue(vm.newList(elems)))
		case bytecode.OpBuildTuple:
			n := inst.Operand
			elems := append([]value.Value(nil), vm.stack[vm.sp-n:vm.sp]...)
			vm.sp -= n
			vm.push(value.ObjectValue(vm.newTuple(elems)))

		case bytecode.OpJump:
			frame.ip = inst.Operand
		case bytecode.OpJumpIfFalse:
			if vm.peek(0).Falsey() {
				frame.ip = inst.Operand
			}
		case bytecode.OpJumpIfTrue:
			if vm.peek(0).Truthy() {
				frame.ip = inst.Operand
			}
		case bytecode.OpLoop:
			frame.ip = inst.Operand

		case bytecode.OpReturn:
			result := vm.pop()
			vm.closeUpvaluesFrom(frame.base)
			vm.sp = frame.base
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.push(result)
			if len(vm.frames) == floor {
				return result, nil
			}

		case bytecode.OpCall:
			argCount := inst.Operand
			base := vm.sp - argCount - 1
			callee := vm.stack[base]
			exc := vm.callValueAt(base, argCount, callee, value.NullValue())
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
		case bytecode.OpInvoke:
			nameIdx, argCount := bytecode.DecodeInvoke(inst.Operand)
			name := chunk.Constants[nameIdx].(string)
			base := vm.sp - argCount - 1
			recv := vm.stack[base]
			class := vm.classOf(recv)
			var methodVal value.Value
			found := false
			if class != nil {
				methodVal, _, found = class.LookupMethod(vm.heap.NewString(name))
			}
			if !found {
				exc := vm.makeException("MethodException", "undefined method '"+name+"'")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			exc := vm.callValueAt(base, argCount, methodVal, recv)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
		case bytecode.OpSuperInvoke:
			nameIdx, argCount := bytecode.DecodeInvoke(inst.Operand)
			name := chunk.Constants[nameIdx].(string)
			base := vm.sp - argCount - 1
			recv := vm.stack[base]
			dc := frame.closure.Fn.DefiningClass
			if dc == nil || dc.Super == nil {
				exc := vm.makeException("MethodException", "no superclass method '"+name+"'")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			methodVal, _, found := dc.Super.LookupMethod(vm.heap.NewString(name))
			if !found {
				exc := vm.makeException("MethodException", "undefined method '"+name+"' on superclass")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			exc := vm.callValueAt(base, argCount, methodVal, recv)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}

		case bytecode.OpClosure:
			proto := chunk.Constants[inst.Operand].(*bytecode.FunctionProto)
			if proto.Chunk == nil {
				native, ok := vm.natives[proto.Name]
				if !ok {
					exc := vm.makeException("NameException", "undefined native '"+proto.Name+"'")
					if vm.unwindTo(floor, exc) {
						continue
					}
					return value.Value{}, exc
				}
				vm.push(value.ObjectValue(native))
				break
			}
			mod := frame.closure.Fn.C.Module
			fn := vm.heap.NewFunction(proto, mod, vm.heap.NewString(proto.Name), vm.materializeDefaults(proto.Defaults))
			fn.Hdr.Class = vm.classes["Function"]
			closure := vm.heap.NewClosure(fn)
			closure.Hdr.Class = vm.classes["Function"]
			vm.push(value.ObjectValue(closure))
			for i, desc := range proto.Upvalues {
				if desc.IsLocal {
					closure.Upvalues[i] = vm.captureUpvalue(frame.base + desc.Index)
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[desc.Index]
				}
			}
		case bytecode.OpCloseUpvalue:
			vm.closeUpvaluesFrom(vm.sp - 1)
			vm.pop()

		case bytecode.OpClass:
			name := chunk.Constants[inst.Operand].(string)
			class := vm.heap.NewClass(vm.heap.NewString(name), nil)
			class.Module = frame.closure.Fn.C.Module
			vm.push(value.ObjectValue(class))
		case bytecode.OpInherit:
			super := vm.pop()
			class := vm.peek(0).AsObject().(*value.ClassObj)
			superClass, ok := super.AsObject().(*value.ClassObj)
			if !ok {
				exc := vm.makeException("TypeException", "superclass must be a class")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			class.Super = superClass
		case bytecode.OpMethod:
			name := chunk.Constants[inst.Operand].(string)
			methodVal := vm.pop()
			class := vm.peek(0).AsObject().(*value.ClassObj)
			if fn, ok := methodVal.AsObject().(*value.ClosureObj); ok {
				fn.Fn.DefiningClass = class
			}
			class.Methods.Put(vm.heap.NewString(name), methodVal)

		case bytecode.OpImport:
			name := chunk.Constants[inst.Operand].(string)
			mod, exc := vm.importModule(name)
			if exc != nil {
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(value.ObjectValue(mod))
		case bytecode.OpImportName:
			name := chunk.Constants[inst.Operand].(string)
			mod := vm.pop().AsObject().(*value.ModuleObj)
			v, ok := mod.Globals.GetByString(vm.heap.NewString(name))
			if !ok {
				exc := vm.makeException("NameException", "module '"+mod.Name.String()+"' has no member '"+name+"'")
				if vm.unwindTo(floor, exc) {
					continue
				}
				return value.Value{}, exc
			}
			vm.push(v)
		case bytecode.OpImportEnd:
			// no-op: the module value's lifetime on the stack is managed by
			// the compiler's own scope-pop / explicit OpPop.

		case bytecode.OpRaise:
			v := vm.pop()
			raised, ok := v.AsObject().(*value.InstanceObj)
			if !ok {
				raised = vm.makeException("TypeException", "raise requires an Exception instance")
			}
			if vm.unwindTo(floor, raised) {
				continue
			}
			return value.Value{}, raised
		case bytecode.OpSetupTry, bytecode.OpPopTry:
			// handler ranges are consulted directly from chunk.Handlers by
			// unwindTo; these markers carry no runtime effect of their own.

		default:
			panic(fmt.Sprintf("unimplemented opcode %s", inst.Op))
		}
	}
}

func (vm *VM) constantValue(chunk *bytecode.Chunk, idx int) value.Value {
	switch c := chunk.Constants[idx].(type) {
	case float64:
		return value.NumberValue(c)
	case string:
		return value.ObjectValue(vm.newString(c))
	default:
		panic("constant is not a literal value")
	}
}

func (vm *VM) materializeDefaults(defaults []interface{}) []value.Value {
	if len(defaults) == 0 {
		return nil
	}
	out := make([]value.Value, len(defaults))
	for i, d := range defaults {
		switch dv := d.(type) {
		case float64:
			out[i] = value.NumberValue(dv)
		case string:
			out[i] = value.ObjectValue(vm.newString(dv))
		case bool:
			out[i] = value.BoolValue(dv)
		default:
			out[i] = value.NullValue()
		}
	}
	return out
}

func (vm *VM) lengthOf(v value.Value) (int, *value.InstanceObj) {
	switch {
	case v.IsObjectType(value.KindString):
		return v.AsObject().(*value.StringObj).Len(), nil
	case v.IsObjectType(value.KindList):
		return len(v.AsObject().(*value.ListObj).Elements), nil
	case v.IsObjectType(value.KindTuple):
		return len(v.AsObject().(*value.TupleObj).Elements), nil
	}
	if vm.hasMethod(v, "__len__") {
		r, exc := vm.callMethodSync(v, "__len__", nil)
		if exc != nil {
			return 0, exc
		}
		if !r.IsNumber() {
			return 0, vm.makeException("TypeException", "__len__ must return a number")
		}
		return int(r.AsNumber()), nil
	}
	return 0, vm.makeException("TypeException", "value has no length")
}

// --- module import --------------------------------------------------------------

// importModule loads and (on first import) runs the named module's top
// level, per spec.md §6: "Re-imports of an already-loaded module are a
// no-op that rebinds names from the cached module."
func (vm *VM) importModule(name string) (*value.ModuleObj, *value.InstanceObj) {
	if m, ok := vm.modules[name]; ok {
		return m, nil
	}
	if vm.opts.Loader == nil {
		return nil, vm.makeException("IOException", "no module loader installed for '"+name+"'")
	}
	src, ok := vm.opts.Loader(name)
	if !ok {
		return nil, vm.makeException("IOException", "module '"+name+"' not found")
	}
	prog, perrs := parser.Parse(string(src))
	if len(perrs) > 0 {
		return nil, vm.makeException("IOException", "module '"+name+"' failed to compile")
	}
	proto, cerrs := compiler.Compile(prog, name)
	if len(cerrs) > 0 {
		return nil, vm.makeException("IOException", "module '"+name+"' failed to compile")
	}
	mod := vm.getOrCreateModule(name)
	fn := vm.heap.NewFunction(proto, mod, vm.heap.NewString(proto.Name), nil)
	fn.Hdr.Class = vm.classes["Function"]
	closure := vm.heap.NewClosure(fn)
	closure.Hdr.Class = vm.classes["Function"]
	base := vm.sp
	vm.push(value.ObjectValue(closure))
	exc := vm.callValueAt(base, 0, value.ObjectValue(closure), value.NullValue())
	vm.sp = base
	if exc != nil {
		return nil, exc
	}
	return mod, nil
}

// toRuntimeError renders an uncaught exception instance and its captured
// trace as a *RuntimeError for the host (spec.md §4.7).
func (vm *VM) toRuntimeError(exc *value.InstanceObj) *RuntimeError {
	msg := exc.Class().Name.String()
	if v, ok := exc.Fields.GetByString(vm.heap.NewString("err")); ok {
		if s, ok := v.AsObject().(*value.StringObj); ok {
			msg = s.String()
		}
	}
	var frames []StackFrame
	if v, ok := exc.Fields.GetByString(vm.traceID); ok {
		if trace, ok := v.AsObject().(*value.StackTraceObj); ok {
			for _, f := range trace.Frames {
				frames = append(frames, StackFrame{Name: f.FunctionName, Selector: f.ModuleName, SourceLine: f.Line})
			}
		}
	}
	return newRuntimeError(msg, frames)
}
