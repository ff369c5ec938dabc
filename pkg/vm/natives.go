// Core class and native-function installation (spec.md §4.8): a fixed set
// of classes installed into a built-in "core" module before any user code
// runs, plus the natives bound into their method tables and the handful of
// bare globals (print/type/readLine) scripts call without an import.
package vm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/stensalweb/jstar/pkg/value"
)

// installCore builds the core module and every class/native spec.md §4.8
// names, wiring each class's Header.Class-stamped instances back to it so
// classOf(v) resolves correctly for every kind of value.
func (vm *VM) installCore() {
	vm.core = vm.heap.NewModule(vm.heap.NewString("core"))
	vm.modules["core"] = vm.core

	object := vm.defineClass("Object", nil)
	vm.defineClass("Number", object)
	vm.defineClass("Boolean", object)
	vm.defineClass("String", object)
	vm.defineClass("Null", object)
	vm.defineClass("List", object)
	vm.defineClass("Tuple", object)
	vm.defineClass("Range", object)
	vm.defineClass("Function", object)
	vm.defineClass("Module", object)
	vm.defineClass("StackTrace", object)
	vm.defineClass("Iterator", object)
	vm.defineClass("Regex", object)
	vm.defineClass("RegexIterator", object)

	exception := vm.defineClass("Exception", object)
	ioException := vm.defineClass("IOException", exception)
	vm.defineClass("FileNotFoundException", ioException)
	vm.defineClass("TypeException", exception)
	vm.defineClass("NameException", exception)
	vm.defineClass("MethodException", exception)
	vm.defineClass("InvalidArgException", exception)
	vm.defineClass("RegexException", exception)
	vm.defineClass("TerminationException", exception)

	vm.installGlobalNatives()
	vm.installExceptionNatives(exception)
	vm.installNumberNatives()
	vm.installListNatives()
	vm.installTupleNatives()
	vm.installStringNatives()
	vm.installRangeNatives()
	vm.installIteratorNatives()
	vm.installRegexNatives()
	vm.installNativeRegistry()
}

// defineClass allocates a core class, registers it in vm.classes, binds it
// into the core module's globals (so user code can both call type() and
// reference the class by name to subclass it), and leaves Header.Class
// nil: classes are not themselves instances of anything the VM models.
func (vm *VM) defineClass(name string, super *value.ClassObj) *value.ClassObj {
	class := vm.heap.NewClass(vm.heap.NewString(name), super)
	class.Module = vm.core
	vm.classes[name] = class
	vm.core.Globals.Put(vm.heap.NewString(name), value.ObjectValue(class))
	return class
}

// defineMethod installs a native as a method on class.
func (vm *VM) defineMethod(class *value.ClassObj, name string, arity int, vararg bool, fn value.NativeFn) {
	native := vm.heap.NewNative(vm.heap.NewString(name), arity, vararg, fn)
	native.Hdr.Class = vm.classes["Function"]
	class.Methods.Put(vm.heap.NewString(name), value.ObjectValue(native))
}

// defineGlobalNative installs a native directly into the core module's
// globals, callable bare (print(...), not core.print(...)).
func (vm *VM) defineGlobalNative(name string, arity int, vararg bool, fn value.NativeFn) {
	native := vm.heap.NewNative(vm.heap.NewString(name), arity, vararg, fn)
	native.Hdr.Class = vm.classes["Function"]
	vm.core.Globals.Put(vm.heap.NewString(name), value.ObjectValue(native))
}

// --- print / type / readLine --------------------------------------------------

func (vm *VM) installGlobalNatives() {
	vm.defineGlobalNative("print", 0, true, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		// print has no named parameters, so adjustArgs hands it one tuple
		// holding every argument; each element is printed on its own.
		items := args[0].AsObject().(*value.TupleObj).Elements
		parts := make([]string, len(items))
		for i, a := range items {
			s, exc := vm.stringify(a, true)
			if exc != nil {
				return value.Value{}, exc
			}
			parts[i] = s
		}
		ctx.Write(strings.Join(parts, " "))
		ctx.Write("\n")
		return value.NullValue(), nil
	})

	vm.defineGlobalNative("type", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		class := vm.classOf(args[0])
		if class == nil {
			return value.ObjectValue(vm.newString("Handle")), nil
		}
		return value.ObjectValue(vm.newString(class.Name.String())), nil
	})

	// readLine reads until newline or EOF, returning bytes including the
	// terminating newline when present (spec.md §9's resolution of the
	// readline Open Question), or null at end-of-input.
	vm.defineGlobalNative("readLine", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		line, err := vm.in.ReadString('\n')
		if err != nil && line == "" {
			return value.NullValue(), nil
		}
		return value.ObjectValue(vm.newString(line)), nil
	})
}

// stringify renders v the way print does. topLevel controls whether a
// String renders its raw bytes (true, print's own argument) or a quoted
// literal (false, nested inside a List/Tuple).
func (vm *VM) stringify(v value.Value, topLevel bool) (string, *value.InstanceObj) {
	switch {
	case v.IsNull():
		return "null", nil
	case v.IsBool():
		if v.AsBool() {
			return "true", nil
		}
		return "false", nil
	case v.IsNumber():
		return formatNumber(v.AsNumber()), nil
	case v.IsHandle():
		return "<handle>", nil
	}
	if !v.IsObject() {
		return v.GoString(), nil
	}
	switch o := v.AsObject().(type) {
	case *value.StringObj:
		if topLevel {
			return o.String(), nil
		}
		return "\"" + o.String() + "\"", nil
	case *value.ListObj:
		parts := make([]string, len(o.Elements))
		for i, e := range o.Elements {
			s, exc := vm.stringify(e, false)
			if exc != nil {
				return "", exc
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case *value.TupleObj:
		parts := make([]string, len(o.Elements))
		for i, e := range o.Elements {
			s, exc := vm.stringify(e, false)
			if exc != nil {
				return "", exc
			}
			parts[i] = s
		}
		return "(" + strings.Join(parts, ", ") + ")", nil
	case *value.RangeObj:
		if o.Step == 1 {
			return fmt.Sprintf("%s..%s", formatNumber(o.Start), formatNumber(o.Stop)), nil
		}
		return fmt.Sprintf("%s..%s:%s", formatNumber(o.Start), formatNumber(o.Stop), formatNumber(o.Step)), nil
	case *value.ClassObj:
		return "<class " + o.Name.String() + ">", nil
	case *value.ModuleObj:
		return "<module " + o.Name.String() + ">", nil
	case *value.FunctionObj:
		return "<fn " + o.C.Name.String() + ">", nil
	case *value.ClosureObj:
		return "<fn " + o.Fn.C.Name.String() + ">", nil
	case *value.NativeObj:
		return "<native fn " + o.C.Name.String() + ">", nil
	case *value.BoundMethodObj:
		return vm.stringify(value.ObjectValue(o.Method), topLevel)
	case *value.StackTraceObj:
		return o.Render(), nil
	case *value.InstanceObj:
		if vm.hasMethod(v, "__string__") {
			r, exc := vm.callMethodSync(v, "__string__", nil)
			if exc != nil {
				return "", exc
			}
			s, ok := r.AsObject().(*value.StringObj)
			if !ok {
				return "", vm.makeException("TypeException", "__string__ must return a String")
			}
			return s.String(), nil
		}
		return "<" + o.Class().Name.String() + " instance>", nil
	default:
		return v.GoString(), nil
	}
}

// formatNumber renders a float as an integer literal when it has no
// fractional part (print(1+2*3) => "7", not "7.0"), matching spec.md §8's
// byte-exact-reparse testable property.
func formatNumber(n float64) string {
	if math.IsNaN(n) {
		return "nan"
	}
	if math.IsInf(n, 1) {
		return "inf"
	}
	if math.IsInf(n, -1) {
		return "-inf"
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// --- Exception ------------------------------------------------------------------

func (vm *VM) installExceptionNatives(exception *value.ClassObj) {
	vm.defineMethod(exception, "init", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		inst, ok := receiver.AsObject().(*value.InstanceObj)
		if !ok {
			return value.Value{}, vm.makeException("TypeException", "Exception.init called without an instance")
		}
		inst.Fields.Put(vm.heap.NewString("err"), args[0])
		return value.NullValue(), nil
	})
	vm.defineMethod(exception, "__string__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		inst := receiver.AsObject().(*value.InstanceObj)
		msg := ""
		if v, ok := inst.Fields.GetByString(vm.heap.NewString("err")); ok {
			if s, ok := v.AsObject().(*value.StringObj); ok {
				msg = s.String()
			}
		}
		return value.ObjectValue(vm.newString(inst.Class().Name.String() + ": " + msg)), nil
	})
}

// --- Number -------------------------------------------------------------------

// installNumberNatives binds the script-visible numeric-formatting method
// spec.md §4.8 names, reusing the same formatNumber rendering print uses
// for a Number's top-level stringification.
func (vm *VM) installNumberNatives() {
	number := vm.classes["Number"]
	vm.defineMethod(number, "toString", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		if !receiver.IsNumber() {
			return value.Value{}, vm.makeException("TypeException", "toString called without a Number receiver")
		}
		return value.ObjectValue(vm.newString(formatNumber(receiver.AsNumber()))), nil
	})
}

// --- List -------------------------------------------------------------------

func (vm *VM) installListNatives() {
	list := vm.classes["List"]
	vm.defineMethod(list, "add", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		l := receiver.AsObject().(*value.ListObj)
		l.Elements = append(l.Elements, args[0])
		return value.NullValue(), nil
	})
	vm.defineMethod(list, "insert", 2, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		l := receiver.AsObject().(*value.ListObj)
		if !args[0].IsNumber() {
			return value.Value{}, vm.makeException("InvalidArgException", "insert index must be a number")
		}
		i := int(args[0].AsNumber())
		if i < 0 || i > len(l.Elements) {
			return value.Value{}, vm.makeException("InvalidArgException", "insert index out of range")
		}
		l.Elements = append(l.Elements, value.Value{})
		copy(l.Elements[i+1:], l.Elements[i:])
		l.Elements[i] = args[1]
		return value.NullValue(), nil
	})
	vm.defineMethod(list, "remove", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		l := receiver.AsObject().(*value.ListObj)
		for i, e := range l.Elements {
			if e.Equal(args[0]) {
				l.Elements = append(l.Elements[:i], l.Elements[i+1:]...)
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	})
	vm.defineMethod(list, "clear", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		l := receiver.AsObject().(*value.ListObj)
		l.Elements = nil
		return value.NullValue(), nil
	})
	vm.defineMethod(list, "contains", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		l := receiver.AsObject().(*value.ListObj)
		for _, e := range l.Elements {
			if e.Equal(args[0]) {
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	})
	vm.defineMethod(list, "__iter__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		return vm.makeIterator(receiver, "list"), nil
	})
}

// --- Tuple ------------------------------------------------------------------

func (vm *VM) installTupleNatives() {
	tuple := vm.classes["Tuple"]
	vm.defineMethod(tuple, "contains", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		t := receiver.AsObject().(*value.TupleObj)
		for _, e := range t.Elements {
			if e.Equal(args[0]) {
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	})
	vm.defineMethod(tuple, "__iter__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		return vm.makeIterator(receiver, "tuple"), nil
	})
}

// --- String -------------------------------------------------------------------

func (vm *VM) installStringNatives() {
	str := vm.classes["String"]
	asString := func(v value.Value) (string, bool) {
		s, ok := v.AsObject().(*value.StringObj)
		if !ok {
			return "", false
		}
		return s.String(), true
	}

	vm.defineMethod(str, "upper", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		return value.ObjectValue(vm.newString(strings.ToUpper(s))), nil
	})
	vm.defineMethod(str, "lower", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		return value.ObjectValue(vm.newString(strings.ToLower(s))), nil
	})
	vm.defineMethod(str, "trim", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		return value.ObjectValue(vm.newString(strings.TrimSpace(s))), nil
	})
	vm.defineMethod(str, "contains", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		sub, ok := asString(args[0])
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "contains expects a string")
		}
		return value.BoolValue(strings.Contains(s, sub)), nil
	})
	vm.defineMethod(str, "startsWith", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		prefix, ok := asString(args[0])
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "startsWith expects a string")
		}
		return value.BoolValue(strings.HasPrefix(s, prefix)), nil
	})
	vm.defineMethod(str, "endsWith", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		suffix, ok := asString(args[0])
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "endsWith expects a string")
		}
		return value.BoolValue(strings.HasSuffix(s, suffix)), nil
	})
	vm.defineMethod(str, "indexOf", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		sub, ok := asString(args[0])
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "indexOf expects a string")
		}
		return value.NumberValue(float64(strings.Index(s, sub))), nil
	})
	vm.defineMethod(str, "split", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		sep, ok := asString(args[0])
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "split expects a string separator")
		}
		parts := strings.Split(s, sep)
		elems := make([]value.Value, len(parts))
		for i, p := range parts {
			elems[i] = value.ObjectValue(vm.newString(p))
		}
		return value.ObjectValue(vm.newList(elems)), nil
	})
	vm.defineMethod(str, "slice", 2, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		s, _ := asString(receiver)
		if !args[0].IsNumber() || !args[1].IsNumber() {
			return value.Value{}, vm.makeException("InvalidArgException", "slice bounds must be numbers")
		}
		start, exc := vm.indexFor(args[0], len(s))
		if exc != nil {
			return value.Value{}, exc
		}
		end := int(args[1].AsNumber())
		if end < 0 {
			end += len(s)
		}
		if end < start || end > len(s) {
			return value.Value{}, vm.makeException("InvalidArgException", "slice end out of range")
		}
		return value.ObjectValue(vm.newString(s[start:end])), nil
	})
	vm.defineMethod(str, "__iter__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		return vm.makeIterator(receiver, "string"), nil
	})
}

// --- Range -------------------------------------------------------------------

func (vm *VM) installRangeNatives() {
	rng := vm.classes["Range"]
	vm.defineMethod(rng, "__iter__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		return vm.makeIterator(receiver, "range"), nil
	})
}

// --- Iterator (three-method protocol: __iter__/__hasNext__/__next__) ------------

// makeIterator builds an Iterator instance that walks target (a list,
// tuple, string, or range) by index, per the compiler's for-each desugaring
// into __iter__()/__hasNext__()/__next__() calls.
func (vm *VM) makeIterator(target value.Value, kind string) value.Value {
	inst := vm.heap.NewInstance(vm.classes["Iterator"])
	start := 0.0
	if kind == "range" {
		start = target.AsObject().(*value.RangeObj).Start
	}
	inst.Fields.Put(vm.heap.NewString("target"), target)
	inst.Fields.Put(vm.heap.NewString("index"), value.NumberValue(start))
	inst.Fields.Put(vm.heap.NewString("kind"), value.ObjectValue(vm.newString(kind)))
	return value.ObjectValue(inst)
}

func (vm *VM) installIteratorNatives() {
	iter := vm.classes["Iterator"]
	vm.defineMethod(iter, "__hasNext__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		inst := receiver.AsObject().(*value.InstanceObj)
		kind, target, idx := vm.iteratorState(inst)
		switch kind {
		case "list":
			return value.BoolValue(int(idx) < len(target.AsObject().(*value.ListObj).Elements)), nil
		case "tuple":
			return value.BoolValue(int(idx) < len(target.AsObject().(*value.TupleObj).Elements)), nil
		case "string":
			return value.BoolValue(int(idx) < target.AsObject().(*value.StringObj).Len()), nil
		case "range":
			r := target.AsObject().(*value.RangeObj)
			if r.Step >= 0 {
				return value.BoolValue(idx < r.Stop), nil
			}
			return value.BoolValue(idx > r.Stop), nil
		}
		return value.BoolValue(false), nil
	})
	vm.defineMethod(iter, "__next__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		inst := receiver.AsObject().(*value.InstanceObj)
		kind, target, idx := vm.iteratorState(inst)
		var result value.Value
		var step float64 = 1
		switch kind {
		case "list":
			result = target.AsObject().(*value.ListObj).Elements[int(idx)]
		case "tuple":
			result = target.AsObject().(*value.TupleObj).Elements[int(idx)]
		case "string":
			s := target.AsObject().(*value.StringObj)
			result = value.ObjectValue(vm.newString(string(s.Bytes[int(idx)])))
		case "range":
			r := target.AsObject().(*value.RangeObj)
			step = r.Step
			result = value.NumberValue(idx)
		default:
			return value.Value{}, vm.makeException("MethodException", "iterator exhausted")
		}
		inst.Fields.Put(vm.heap.NewString("index"), value.NumberValue(idx+step))
		return result, nil
	})
}

func (vm *VM) iteratorState(inst *value.InstanceObj) (kind string, target value.Value, index float64) {
	if v, ok := inst.Fields.GetByString(vm.heap.NewString("kind")); ok {
		kind = v.AsObject().(*value.StringObj).String()
	}
	target, _ = inst.Fields.GetByString(vm.heap.NewString("target"))
	if v, ok := inst.Fields.GetByString(vm.heap.NewString("index")); ok {
		index = v.AsNumber()
	}
	return
}

// --- Regex --------------------------------------------------------------------

// installRegexNatives wires the one native the spec explicitly keeps
// (spec.md §9): a regexp-backed Regex class whose __iter__ produces an
// iterator honoring the source's inverted-sense empty-match conditional by
// advancing one byte and retrying rather than stopping on an empty match.
func (vm *VM) installRegexNatives() {
	re := vm.classes["Regex"]
	vm.defineMethod(re, "init", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		pattern, ok := args[0].AsObject().(*value.StringObj)
		if !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "Regex requires a string pattern")
		}
		compiled, err := regexp.Compile(pattern.String())
		if err != nil {
			return value.Value{}, vm.makeException("RegexException", err.Error())
		}
		inst := receiver.AsObject().(*value.InstanceObj)
		inst.Fields.Put(vm.heap.NewString("re"), value.HandleValue(compiled))
		return value.NullValue(), nil
	})
	vm.defineMethod(re, "matches", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		compiled, text, exc := vm.regexArgs(receiver, args)
		if exc != nil {
			return value.Value{}, exc
		}
		return value.BoolValue(compiled.MatchString(text)), nil
	})
	vm.defineMethod(re, "__iter__", 1, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		compiledV, _ := receiver.AsObject().(*value.InstanceObj).Fields.GetByString(vm.heap.NewString("re"))
		if _, ok := args[0].AsObject().(*value.StringObj); !ok {
			return value.Value{}, vm.makeException("InvalidArgException", "expected a string to match against")
		}
		it := vm.heap.NewInstance(vm.classes["RegexIterator"])
		it.Fields.Put(vm.heap.NewString("re"), compiledV)
		it.Fields.Put(vm.heap.NewString("text"), args[0])
		it.Fields.Put(vm.heap.NewString("pos"), value.NumberValue(0))
		return value.ObjectValue(it), nil
	})

	iter := vm.classes["RegexIterator"]
	// A RegexIterator is its own iterator, so one returned by gmatch (or by
	// Regex.__iter__) can itself be the subject of a for-in loop.
	vm.defineMethod(iter, "__iter__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		return receiver, nil
	})
	vm.defineMethod(iter, "__hasNext__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		ok, _, _, exc := vm.regexAdvance(receiver)
		if exc != nil {
			return value.Value{}, exc
		}
		return value.BoolValue(ok), nil
	})
	vm.defineMethod(iter, "__next__", 0, false, func(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
		ok, start, end, exc := vm.regexAdvance(receiver)
		if exc != nil {
			return value.Value{}, exc
		}
		if !ok {
			return value.Value{}, vm.makeException("MethodException", "iterator exhausted")
		}
		inst := receiver.AsObject().(*value.InstanceObj)
		textV, _ := inst.Fields.GetByString(vm.heap.NewString("text"))
		text := textV.AsObject().(*value.StringObj).String()
		inst.Fields.Put(vm.heap.NewString("pos"), value.NumberValue(float64(end)))
		return value.ObjectValue(vm.newString(text[start:end])), nil
	})
}

func (vm *VM) regexArgs(receiver value.Value, args []value.Value) (*regexp.Regexp, string, *value.InstanceObj) {
	inst, ok := receiver.AsObject().(*value.InstanceObj)
	if !ok {
		return nil, "", vm.makeException("TypeException", "not a Regex instance")
	}
	reV, _ := inst.Fields.GetByString(vm.heap.NewString("re"))
	compiled, ok := reV.AsHandle().(*regexp.Regexp)
	if !ok {
		return nil, "", vm.makeException("TypeException", "Regex instance missing compiled pattern")
	}
	text, ok := args[0].AsObject().(*value.StringObj)
	if !ok {
		return nil, "", vm.makeException("InvalidArgException", "expected a string")
	}
	return compiled, text.String(), nil
}

// regexAdvance finds the next non-empty match at or after the iterator's
// current position without consuming it (repeated __hasNext__ calls before
// a __next__ must be idempotent), returning its [start,end) byte range.
func (vm *VM) regexAdvance(receiver value.Value) (found bool, start, end int, exc *value.InstanceObj) {
	inst, ok := receiver.AsObject().(*value.InstanceObj)
	if !ok {
		return false, 0, 0, vm.makeException("TypeException", "not a RegexIterator instance")
	}
	reV, _ := inst.Fields.GetByString(vm.heap.NewString("re"))
	compiled, ok := reV.AsHandle().(*regexp.Regexp)
	if !ok {
		return false, 0, 0, vm.makeException("TypeException", "RegexIterator missing compiled pattern")
	}
	textV, _ := inst.Fields.GetByString(vm.heap.NewString("text"))
	text := textV.AsObject().(*value.StringObj).String()
	posV, _ := inst.Fields.GetByString(vm.heap.NewString("pos"))
	pos := int(posV.AsNumber())

	for pos <= len(text) {
		loc := compiled.FindStringIndex(text[pos:])
		if loc == nil {
			return false, 0, 0, nil
		}
		s, e := pos+loc[0], pos+loc[1]
		if e == s {
			// empty match: advance by one and retry, per spec.md §9's
			// resolution of the inverted-sense conditional.
			pos++
			inst.Fields.Put(vm.heap.NewString("pos"), value.NumberValue(float64(pos)))
			continue
		}
		return true, s, e, nil
	}
	return false, 0, 0, nil
}

// --- native declaration registry --------------------------------------------

// installNativeRegistry registers the host-side functions a script's
// top-level `native name(...)` declaration (spec.md line 94 grammar, line
// 136 host embedding API) resolves to via RegisterNative, wiring the
// natives original_source/jstar/src/builtin/re.jsr.h bundles as natives
// of exactly this shape: match/find/gsub/gmatch, each declared in script
// as `native match(str, regex, off=0)` and backed here by regexp.
func (vm *VM) installNativeRegistry() {
	withOffsetDefault := []value.Value{value.NumberValue(0)}
	vm.RegisterNative("match", 2, false, withOffsetDefault, vm.nativeRegexMatch)
	vm.RegisterNative("find", 2, false, withOffsetDefault, vm.nativeRegexFind)
	vm.RegisterNative("gsub", 3, false, withOffsetDefault, vm.nativeRegexGsub)
	vm.RegisterNative("gmatch", 2, false, nil, vm.nativeRegexGmatch)
}

// nativeRegexSearchArgs validates and unpacks the (str, pattern, off)
// triple shared by match/find.
func (vm *VM) nativeRegexSearchArgs(args []value.Value) (s, pattern string, off int, exc *value.InstanceObj) {
	strV, ok := args[0].AsObject().(*value.StringObj)
	if !ok {
		return "", "", 0, vm.makeException("InvalidArgException", "expected a string")
	}
	patV, ok := args[1].AsObject().(*value.StringObj)
	if !ok {
		return "", "", 0, vm.makeException("InvalidArgException", "expected a string pattern")
	}
	if !args[2].IsNumber() {
		return "", "", 0, vm.makeException("InvalidArgException", "offset must be a number")
	}
	return strV.String(), patV.String(), int(args[2].AsNumber()), nil
}

// regexSearch implements match (anchored == true: the pattern must match
// starting exactly at off) and find (anchored == false: search for the
// pattern anywhere at or after off). Both return a Tuple of (start, end,
// group1, group2, ...) — matching re.jsr.h's _IGMatch unpacking `var b, e
// = res` plus `res[2]`/`res.slice(2, resLen)` for captures — or null on
// no match.
func (vm *VM) regexSearch(args []value.Value, anchored bool) (value.Value, *value.InstanceObj) {
	s, pattern, off, exc := vm.nativeRegexSearchArgs(args)
	if exc != nil {
		return value.Value{}, exc
	}
	if off < 0 || off > len(s) {
		return value.Value{}, vm.makeException("InvalidArgException", "offset out of range")
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return value.Value{}, vm.makeException("RegexException", err.Error())
	}
	loc := compiled.FindStringSubmatchIndex(s[off:])
	if loc == nil || (anchored && loc[0] != 0) {
		return value.NullValue(), nil
	}
	return vm.submatchTuple(s, off, loc), nil
}

// submatchTuple converts a FindStringSubmatchIndex result (relative to
// s[off:]) into a Tuple of absolute (start, end, group...) values.
func (vm *VM) submatchTuple(s string, off int, loc []int) value.Value {
	elems := make([]value.Value, 0, len(loc)/2)
	elems = append(elems, value.NumberValue(float64(off+loc[0])), value.NumberValue(float64(off+loc[1])))
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			elems = append(elems, value.NullValue())
			continue
		}
		elems = append(elems, value.ObjectValue(vm.newString(s[off+loc[i]:off+loc[i+1]])))
	}
	return value.ObjectValue(vm.newTuple(elems))
}

func (vm *VM) nativeRegexMatch(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
	return vm.regexSearch(args, true)
}

func (vm *VM) nativeRegexFind(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
	return vm.regexSearch(args, false)
}

// nativeRegexGsub replaces up to num occurrences of pattern in str with
// sub (num == 0 means replace all), following re.jsr.h's
// `native gsub(str, regex, sub, num=0)` signature.
func (vm *VM) nativeRegexGsub(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
	strV, ok := args[0].AsObject().(*value.StringObj)
	if !ok {
		return value.Value{}, vm.makeException("InvalidArgException", "expected a string")
	}
	patV, ok := args[1].AsObject().(*value.StringObj)
	if !ok {
		return value.Value{}, vm.makeException("InvalidArgException", "expected a string pattern")
	}
	subV, ok := args[2].AsObject().(*value.StringObj)
	if !ok {
		return value.Value{}, vm.makeException("InvalidArgException", "expected a replacement string")
	}
	if !args[3].IsNumber() {
		return value.Value{}, vm.makeException("InvalidArgException", "num must be a number")
	}
	compiled, err := regexp.Compile(patV.String())
	if err != nil {
		return value.Value{}, vm.makeException("RegexException", err.Error())
	}
	num := int(args[3].AsNumber())
	s := strV.String()
	if num <= 0 {
		return value.ObjectValue(vm.newString(compiled.ReplaceAllString(s, subV.String()))), nil
	}

	var b strings.Builder
	pos, count := 0, 0
	for count < num {
		loc := compiled.FindStringIndex(s[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		b.WriteString(s[pos:start])
		b.WriteString(subV.String())
		if end == start {
			if end < len(s) {
				b.WriteByte(s[end])
			}
			end++
		}
		pos = end
		count++
	}
	if pos < len(s) {
		b.WriteString(s[pos:])
	}
	return value.ObjectValue(vm.newString(b.String())), nil
}

// nativeRegexGmatch returns a RegexIterator over every non-overlapping
// match of pattern in str, reusing the Regex core class's iteration
// machinery (installRegexNatives) rather than duplicating it, matching
// re.jsr.h's `native gmatch(str, regex)` used to drive a for-in loop.
func (vm *VM) nativeRegexGmatch(ctx value.NativeContext, receiver value.Value, args []value.Value) (value.Value, *value.InstanceObj) {
	strV, ok := args[0].AsObject().(*value.StringObj)
	if !ok {
		return value.Value{}, vm.makeException("InvalidArgException", "expected a string")
	}
	patV, ok := args[1].AsObject().(*value.StringObj)
	if !ok {
		return value.Value{}, vm.makeException("InvalidArgException", "expected a string pattern")
	}
	compiled, err := regexp.Compile(patV.String())
	if err != nil {
		return value.Value{}, vm.makeException("RegexException", err.Error())
	}
	it := vm.heap.NewInstance(vm.classes["RegexIterator"])
	it.Fields.Put(vm.heap.NewString("re"), value.HandleValue(compiled))
	it.Fields.Put(vm.heap.NewString("text"), value.ObjectValue(vm.newString(strV.String())))
	it.Fields.Put(vm.heap.NewString("pos"), value.NumberValue(0))
	return value.ObjectValue(it), nil
}
