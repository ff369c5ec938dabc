// Package compiler compiles an AST into bytecode Chunks.
//
// Compilation is single-pass and tree-walking: the compiler keeps a stack
// of funcState values, one per function body currently being compiled
// (the module's top level counts as a function too), each owning its own
// Chunk, local-variable table, and loop context for break/continue.
// Local variables live directly on the VM's operand stack; a funcState
// tracks which stack slot each local occupies so OP_GET_LOCAL/
// OP_SET_LOCAL can address it by index. Variables not found as a local or
// an upvalue of any enclosing function are compiled as globals.
//
// Closures capture variables through upvalues using the same flattened
// scheme as clox: a funcState resolves a name against its immediately
// enclosing funcState's locals first (capturing a stack slot directly),
// and only recurses further up when the enclosing function itself had to
// capture the name as an upvalue.
package compiler

import (
	"fmt"

	"github.com/stensalweb/jstar/pkg/ast"
	"github.com/stensalweb/jstar/pkg/bytecode"
)

// CompileError is one diagnostic recorded while compiling.
type CompileError struct {
	Line    int
	Message string
}

func (e CompileError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Message) }

type localVar struct {
	name     string
	depth    int
	captured bool
}

type loopState struct {
	continueTarget int
	breakJumps     []int
	depth          int // scope depth the loop body starts at, for local cleanup on continue/break
}

// funcState is the compile-time record of one function body being
// compiled: its emitted Chunk, its locals (including the implicit slot 0
// receiver), its upvalue capture list, and the loops currently open for
// break/continue.
type funcState struct {
	enclosing *funcState
	chunk     *bytecode.Chunk

	locals     []localVar
	scopeDepth int

	upvalues     []bytecode.UpvalueDesc
	upvalueNames []string

	loops []*loopState

	name         string
	arity        int
	defaultCount int
	defaults     []interface{}
	vararg       bool
}

func newFuncState(enclosing *funcState, name string) *funcState {
	fs := &funcState{
		enclosing: enclosing,
		chunk:     bytecode.NewChunk(),
		name:      name,
	}
	// Slot 0 is always reserved for the receiver ("this"), bound to null
	// for plain functions, matching the host embedding API's calling
	// convention of receiver-at-slot-0.
	fs.locals = append(fs.locals, localVar{name: "this", depth: 0})
	return fs
}

// Compiler compiles one module's Program into its top-level
// FunctionProto.
type Compiler struct {
	fs         *funcState
	moduleName string
	errors     []CompileError
}

// New returns a Compiler that will compile into a module named
// moduleName.
func New(moduleName string) *Compiler {
	c := &Compiler{moduleName: moduleName}
	c.fs = newFuncState(nil, moduleName)
	return c
}

// Errors returns every CompileError recorded during compilation.
func (c *Compiler) Errors() []CompileError { return c.errors }

func (c *Compiler) errorf(line int, format string, args ...interface{}) {
	c.errors = append(c.errors, CompileError{Line: line, Message: fmt.Sprintf(format, args...)})
}

// Compile compiles prog's statements into the module's top-level
// FunctionProto, returning it together with any recorded errors. On
// error the returned proto is still usable for inspection but must not
// be executed.
func Compile(prog *ast.Program, moduleName string) (*bytecode.FunctionProto, []CompileError) {
	c := New(moduleName)
	for _, stmt := range prog.Stmts {
		c.compileStmt(stmt)
	}
	c.emit(bytecode.OpNull, 0, 0)
	c.emit(bytecode.OpReturn, 0, 0)
	proto := &bytecode.FunctionProto{
		Name: moduleName, Arity: 0, IsVararg: false,
		UpvalueCount: len(c.fs.upvalues), Upvalues: c.fs.upvalues,
		ModuleName: moduleName, Chunk: c.fs.chunk,
	}
	return proto, c.errors
}

func (c *Compiler) emit(op bytecode.Opcode, operand, line int) int {
	return c.fs.chunk.Emit(op, operand, line)
}

func (c *Compiler) addConstant(v interface{}) int { return c.fs.chunk.AddConstant(v) }

// --- scope management ----------------------------------------------------------

func (c *Compiler) beginScope() { c.fs.scopeDepth++ }

// endScope pops every local declared at the scope being left, emitting
// OP_CLOSE_UPVALUE for locals that were captured by a nested closure (so
// the upvalue survives after its stack slot is reused) and OP_POP
// otherwise.
func (c *Compiler) endScope(line int) {
	c.fs.scopeDepth--
	for len(c.fs.locals) > 0 && c.fs.locals[len(c.fs.locals)-1].depth > c.fs.scopeDepth {
		last := c.fs.locals[len(c.fs.locals)-1]
		if last.captured {
			c.emit(bytecode.OpCloseUpvalue, 0, line)
		} else {
			c.emit(bytecode.OpPop, 0, line)
		}
		c.fs.locals = c.fs.locals[:len(c.fs.locals)-1]
	}
}

// declareLocal adds name as a new local at the current scope depth,
// occupying the next stack slot, and returns its index.
func (c *Compiler) declareLocal(name string) int {
	c.fs.locals = append(c.fs.locals, localVar{name: name, depth: c.fs.scopeDepth})
	return len(c.fs.locals) - 1
}

// defineVariable emits the bytecode needed to bind name to the value
// currently on top of the stack: nothing for a local (the stack slot IS
// the variable), or OP_DEFINE_GLOBAL at module scope.
func (c *Compiler) defineVariable(name string, line int) {
	if c.fs.scopeDepth > 0 {
		c.declareLocal(name)
		return
	}
	idx := c.addConstant(name)
	c.emit(bytecode.OpDefineGlobal, idx, line)
}

func (c *Compiler) resolveLocal(fs *funcState, name string) int {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return i
		}
	}
	return -1
}

// resolveUpvalue finds name in an enclosing function's locals or
// upvalues, threading a capture descriptor through every funcState
// between the defining scope and fs.
func (c *Compiler) resolveUpvalue(fs *funcState, name string) int {
	if fs.enclosing == nil {
		return -1
	}
	if localIdx := c.resolveLocal(fs.enclosing, name); localIdx != -1 {
		fs.enclosing.locals[localIdx].captured = true
		return c.addUpvalue(fs, true, localIdx, name)
	}
	if up := c.resolveUpvalue(fs.enclosing, name); up != -1 {
		return c.addUpvalue(fs, false, up, name)
	}
	return -1
}

func (c *Compiler) addUpvalue(fs *funcState, isLocal bool, index int, name string) int {
	for i, n := range fs.upvalueNames {
		if n == name && fs.upvalues[i].IsLocal == isLocal && fs.upvalues[i].Index == index {
			return i
		}
	}
	fs.upvalues = append(fs.upvalues, bytecode.UpvalueDesc{IsLocal: isLocal, Index: index})
	fs.upvalueNames = append(fs.upvalueNames, name)
	return len(fs.upvalues) - 1
}

// compileNameRead emits whichever of OP_GET_LOCAL/OP_GET_UPVALUE/
// OP_GET_GLOBAL resolves name.
func (c *Compiler) compileNameRead(name string, line int) {
	if idx := c.resolveLocal(c.fs, name); idx != -1 {
		c.emit(bytecode.OpGetLocal, idx, line)
		return
	}
	if idx := c.resolveUpvalue(c.fs, name); idx != -1 {
		c.emit(bytecode.OpGetUpvalue, idx, line)
		return
	}
	idx := c.addConstant(name)
	c.emit(bytecode.OpGetGlobal, idx, line)
}

// compileNameWrite emits whichever of OP_SET_LOCAL/OP_SET_UPVALUE/
// OP_SET_GLOBAL resolves name, assuming the value to store is already on
// top of the stack.
func (c *Compiler) compileNameWrite(name string, line int) {
	if idx := c.resolveLocal(c.fs, name); idx != -1 {
		c.emit(bytecode.OpSetLocal, idx, line)
		return
	}
	if idx := c.resolveUpvalue(c.fs, name); idx != -1 {
		c.emit(bytecode.OpSetUpvalue, idx, line)
		return
	}
	idx := c.addConstant(name)
	c.emit(bytecode.OpSetGlobal, idx, line)
}

// --- statements ------------------------------------------------------------------

func (c *Compiler) compileStmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.ExprStmt:
		c.compileExpr(s.X)
		c.emit(bytecode.OpPop, 0, s.Line())
	case *ast.VarDecl:
		c.compileVarDecl(s)
	case *ast.BlockStmt:
		c.beginScope()
		for _, st := range s.Stmts {
			c.compileStmt(st)
		}
		c.endScope(s.Line())
	case *ast.IfStmt:
		c.compileIfStmt(s)
	case *ast.WhileStmt:
		c.compileWhileStmt(s)
	case *ast.ForStmt:
		c.compileForStmt(s)
	case *ast.ForEachStmt:
		c.compileForEachStmt(s)
	case *ast.FuncDecl:
		c.compileFuncDecl(s)
	case *ast.NativeDecl:
		c.compileNativeDecl(s)
	case *ast.ClassDecl:
		c.compileClassDecl(s)
	case *ast.ReturnStmt:
		c.compileReturnStmt(s)
	case *ast.ContinueStmt:
		c.compileContinueStmt(s)
	case *ast.BreakStmt:
		c.compileBreakStmt(s)
	case *ast.ImportStmt:
		c.compileImportStmt(s)
	case *ast.TryStmt:
		c.compileTryStmt(s)
	case *ast.RaiseStmt:
		c.compileExpr(s.Exception)
		c.emit(bytecode.OpRaise, 0, s.Line())
	default:
		c.errorf(s.Line(), "internal: unhandled statement type %T", s)
	}
}

func (c *Compiler) compileVarDecl(s *ast.VarDecl) {
	if s.Init != nil {
		c.compileExpr(s.Init)
	} else {
		c.emit(bytecode.OpNull, 0, s.Line())
	}
	if !s.IsUnpack {
		c.defineVariable(s.Names[0], s.Line())
		return
	}
	// Unpacking: the initializer produced a single list/tuple value;
	// OP_DUP + OP_GET_INDEX once per target name reads each element off
	// it. At module scope each element is bound (and popped) as a global
	// before the next read, so the container stays on top and a final
	// OP_POP discards it. At local scope the container occupies an unnamed
	// local slot below the element locals (OP_DUP reaches it i slots down)
	// and the enclosing scope pops it.
	local := c.fs.scopeDepth > 0
	if local {
		c.declareLocal("@unpack")
	}
	for i, name := range s.Names {
		depth := 0
		if local {
			depth = i
		}
		c.emit(bytecode.OpDup, depth, s.Line())
		idx := c.addConstant(float64(i))
		c.emit(bytecode.OpConstant, idx, s.Line())
		c.emit(bytecode.OpGetIndex, 0, s.Line())
		c.defineVariable(name, s.Line())
	}
	if !local {
		c.emit(bytecode.OpPop, 0, s.Line())
	}
}

func (c *Compiler) compileIfStmt(s *ast.IfStmt) {
	c.compileExpr(s.Cond)
	elseJump := c.emit(bytecode.OpJumpIfFalse, 0, s.Line())
	c.emit(bytecode.OpPop, 0, s.Line())

	c.beginScope()
	for _, st := range s.Then {
		c.compileStmt(st)
	}
	c.endScope(s.Line())

	endJump := c.emit(bytecode.OpJump, 0, s.Line())
	c.patchJumpHere(elseJump)
	c.emit(bytecode.OpPop, 0, s.Line())

	if s.Else != nil {
		c.beginScope()
		for _, st := range s.Else {
			c.compileStmt(st)
		}
		c.endScope(s.Line())
	}
	c.patchJumpHere(endJump)
}

func (c *Compiler) patchJumpHere(jumpInstrIndex int) {
	c.fs.chunk.PatchOperand(jumpInstrIndex, len(c.fs.chunk.Code))
}

func (c *Compiler) pushLoop() *loopState {
	l := &loopState{depth: c.fs.scopeDepth}
	c.fs.loops = append(c.fs.loops, l)
	return l
}

func (c *Compiler) popLoop() {
	c.fs.loops = c.fs.loops[:len(c.fs.loops)-1]
}

func (c *Compiler) currentLoop() *loopState {
	if len(c.fs.loops) == 0 {
		return nil
	}
	return c.fs.loops[len(c.fs.loops)-1]
}

func (c *Compiler) compileWhileStmt(s *ast.WhileStmt) {
	loopStart := len(c.fs.chunk.Code)
	loop := c.pushLoop()
	loop.continueTarget = loopStart

	c.compileExpr(s.Cond)
	exitJump := c.emit(bytecode.OpJumpIfFalse, 0, s.Line())
	c.emit(bytecode.OpPop, 0, s.Line())

	c.beginScope()
	for _, st := range s.Body {
		c.compileStmt(st)
	}
	c.endScope(s.Line())

	c.emit(bytecode.OpLoop, loopStart, s.Line())
	c.patchJumpHere(exitJump)
	c.emit(bytecode.OpPop, 0, s.Line())

	for _, b := range loop.breakJumps {
		c.patchJumpHere(b)
	}
	c.popLoop()
}

func (c *Compiler) compileForStmt(s *ast.ForStmt) {
	c.beginScope()
	if s.Init != nil {
		c.compileStmt(s.Init)
	}

	loopStart := len(c.fs.chunk.Code)
	var exitJump int = -1
	if s.Cond != nil {
		c.compileExpr(s.Cond)
		exitJump = c.emit(bytecode.OpJumpIfFalse, 0, s.Line())
		c.emit(bytecode.OpPop, 0, s.Line())
	}

	loop := c.pushLoop()
	// The post-expression's position is known only after the body, so a
	// continue in the body emits OpLoop -1, patched below.
	loop.continueTarget = -1

	bodyStart := len(c.fs.chunk.Code)
	c.beginScope()
	for _, st := range s.Body {
		c.compileStmt(st)
	}
	c.endScope(s.Line())

	// continue jumps here: evaluate the post-expression, then re-test.
	continueTarget := len(c.fs.chunk.Code)
	loop.continueTarget = continueTarget
	for i := bodyStart; i < continueTarget; i++ {
		if ins := c.fs.chunk.Code[i]; ins.Op == bytecode.OpLoop && ins.Operand == -1 {
			c.fs.chunk.PatchOperand(i, continueTarget)
		}
	}
	if s.Post != nil {
		c.compileExpr(s.Post)
		c.emit(bytecode.OpPop, 0, s.Line())
	}
	c.emit(bytecode.OpLoop, loopStart, s.Line())

	if exitJump != -1 {
		c.patchJumpHere(exitJump)
		c.emit(bytecode.OpPop, 0, s.Line())
	}
	for _, b := range loop.breakJumps {
		c.patchJumpHere(b)
	}
	c.popLoop()
	c.endScope(s.Line())
	_ = bodyStart
}

func (c *Compiler) compileForEachStmt(s *ast.ForEachStmt) {
	c.beginScope()
	// var __iter = iterable.__iter__()
	c.compileExpr(s.Iterable)
	iterNameConst := c.addConstant("__iter__")
	c.emit(bytecode.OpInvoke, bytecode.EncodeInvoke(iterNameConst, 0), s.Line())
	iterSlot := c.declareLocal("@iter")

	loopStart := len(c.fs.chunk.Code)
	loop := c.pushLoop()
	loop.continueTarget = loopStart

	c.emit(bytecode.OpGetLocal, iterSlot, s.Line())
	hasNextConst := c.addConstant("__hasNext__")
	c.emit(bytecode.OpInvoke, bytecode.EncodeInvoke(hasNextConst, 0), s.Line())
	exitJump := c.emit(bytecode.OpJumpIfFalse, 0, s.Line())
	c.emit(bytecode.OpPop, 0, s.Line())

	c.beginScope()
	c.emit(bytecode.OpGetLocal, iterSlot, s.Line())
	nextConst := c.addConstant("__next__")
	c.emit(bytecode.OpInvoke, bytecode.EncodeInvoke(nextConst, 0), s.Line())
	c.declareLocal(s.VarName)

	for _, st := range s.Body {
		c.compileStmt(st)
	}
	c.endScope(s.Line())

	c.emit(bytecode.OpLoop, loopStart, s.Line())
	c.patchJumpHere(exitJump)
	c.emit(bytecode.OpPop, 0, s.Line())

	for _, b := range loop.breakJumps {
		c.patchJumpHere(b)
	}
	c.popLoop()
	c.endScope(s.Line())
}

func (c *Compiler) compileContinueStmt(s *ast.ContinueStmt) {
	loop := c.currentLoop()
	if loop == nil {
		c.errorf(s.Line(), "continue outside of a loop")
		return
	}
	c.popLoopLocals(loop, s.Line())
	c.emit(bytecode.OpLoop, loop.continueTarget, s.Line())
}

// popLoopLocals emits the pops (or upvalue closes) for every local declared
// deeper than loop's starting depth, without forgetting them at compile
// time, so a continue or break leaves the stack as the loop found it.
func (c *Compiler) popLoopLocals(loop *loopState, line int) {
	for i := len(c.fs.locals) - 1; i >= 0 && c.fs.locals[i].depth > loop.depth; i-- {
		if c.fs.locals[i].captured {
			c.emit(bytecode.OpCloseUpvalue, 0, line)
		} else {
			c.emit(bytecode.OpPop, 0, line)
		}
	}
}

func (c *Compiler) compileBreakStmt(s *ast.BreakStmt) {
	loop := c.currentLoop()
	if loop == nil {
		c.errorf(s.Line(), "break outside of a loop")
		return
	}
	c.popLoopLocals(loop, s.Line())
	jump := c.emit(bytecode.OpJump, 0, s.Line())
	loop.breakJumps = append(loop.breakJumps, jump)
}

func (c *Compiler) compileReturnStmt(s *ast.ReturnStmt) {
	if s.Value != nil {
		c.compileExpr(s.Value)
	} else {
		c.emit(bytecode.OpNull, 0, s.Line())
	}
	c.emit(bytecode.OpReturn, 0, s.Line())
}

// --- function / native / class declarations --------------------------------------

// compileFunctionBody compiles params/body into a fresh funcState and
// returns the resulting FunctionProto, restoring c.fs to the enclosing
// state afterward.
func (c *Compiler) compileFunctionBody(name string, params []string, defaults []ast.Expr, vararg bool, body []ast.Stmt, line int) *bytecode.FunctionProto {
	parent := c.fs
	c.fs = newFuncState(parent, name)
	// A function body's top-level statements must bind true per-call
	// locals, not module globals, even though nothing wraps them in an
	// explicit do/end block (params are already locals regardless of
	// depth; this only affects defineVariable's local-vs-global choice
	// for var/fun/class declared directly at the body's top level).
	c.fs.scopeDepth = 1
	c.fs.arity = len(params) - len(defaults)
	if vararg {
		c.fs.arity--
	}
	c.fs.defaultCount = len(defaults)
	c.fs.vararg = vararg

	for _, p := range params {
		c.declareLocal(p)
	}
	for _, d := range defaults {
		c.fs.defaults = append(c.fs.defaults, constantFold(d))
	}

	for _, st := range body {
		c.compileStmt(st)
	}
	c.emit(bytecode.OpNull, 0, line)
	c.emit(bytecode.OpReturn, 0, line)

	proto := &bytecode.FunctionProto{
		Name: name, Arity: c.fs.arity, DefaultCount: c.fs.defaultCount,
		Defaults: c.fs.defaults, IsVararg: vararg,
		UpvalueCount: len(c.fs.upvalues), Upvalues: c.fs.upvalues,
		ModuleName: c.moduleName, Chunk: c.fs.chunk,
	}
	c.fs = parent
	return proto
}

// constantFold evaluates a default-parameter expression at compile time;
// defaults must be literal constants (number, string, bool, or null).
func constantFold(e ast.Expr) interface{} {
	switch e := e.(type) {
	case *ast.NumberLit:
		return e.Value
	case *ast.StringLit:
		return e.Value
	case *ast.BoolLit:
		return e.Value
	case *ast.NullLit:
		return nil
	}
	return nil
}

func (c *Compiler) compileFuncDecl(s *ast.FuncDecl) {
	proto := c.compileFunctionBody(s.Name, s.Params, s.Defaults, s.Vararg, s.Body, s.Line())
	protoIdx := c.addConstant(proto)
	c.emit(bytecode.OpClosure, protoIdx, s.Line())
	c.defineVariable(s.Name, s.Line())
}

// compileNativeDecl emits a placeholder global binding for a native
// function; the VM resolves the actual NativeFn by name when this
// declaration's OP_CLOSURE executes, consulting the host-registered native table (spec.md §6's host
// embedding API). Here the compiler only needs to record the signature.
func (c *Compiler) compileNativeDecl(s *ast.NativeDecl) {
	proto := &bytecode.FunctionProto{
		Name: s.Name, Arity: len(s.Params) - len(s.Defaults), DefaultCount: len(s.Defaults),
		IsVararg: s.Vararg, ModuleName: c.moduleName, Chunk: nil,
	}
	if s.Vararg {
		proto.Arity--
	}
	for _, d := range s.Defaults {
		proto.Defaults = append(proto.Defaults, constantFold(d))
	}
	idx := c.addConstant(proto)
	c.emit(bytecode.OpClosure, idx, s.Line())
	c.defineVariable(s.Name, s.Line())
}

func (c *Compiler) compileClassDecl(s *ast.ClassDecl) {
	nameIdx := c.addConstant(s.Name)
	c.emit(bytecode.OpClass, nameIdx, s.Line())

	if s.Super != "" {
		c.compileNameRead(s.Super, s.Line())
		c.emit(bytecode.OpInherit, 0, s.Line())
	}

	for _, m := range s.Methods {
		proto := c.compileFunctionBody(m.Name, m.Params, m.Defaults, m.Vararg, m.Body, m.Line())
		protoIdx := c.addConstant(proto)
		c.emit(bytecode.OpClosure, protoIdx, m.Line())
		methodNameIdx := c.addConstant(m.Name)
		c.emit(bytecode.OpMethod, methodNameIdx, m.Line())
	}

	c.defineVariable(s.Name, s.Line())
}

// --- import / try ------------------------------------------------------------------

func (c *Compiler) compileImportStmt(s *ast.ImportStmt) {
	dotted := s.Modules[0]
	for _, part := range s.Modules[1:] {
		dotted += "." + part
	}
	idx := c.addConstant(dotted)
	c.emit(bytecode.OpImport, idx, s.Line())

	switch {
	case s.As != "":
		c.defineVariable(s.As, s.Line())
	case len(s.Names) > 0:
		// The just-imported module needs to stay addressable for every
		// OpImportName lookup below. At local scope it is declared as a
		// real (if unnamed) local so the enclosing scope's endScope pops
		// it like any other temporary; at module scope there is no
		// enclosing endScope to rely on, so it is popped explicitly.
		modSlot := -1
		if c.fs.scopeDepth > 0 {
			modSlot = c.declareLocal("@import")
		}
		for _, name := range s.Names {
			if modSlot >= 0 {
				c.emit(bytecode.OpGetLocal, modSlot, s.Line())
			} else {
				c.emit(bytecode.OpDup, 0, s.Line())
			}
			nameIdx := c.addConstant(name)
			c.emit(bytecode.OpImportName, nameIdx, s.Line())
			c.defineVariable(name, s.Line())
		}
		c.emit(bytecode.OpImportEnd, 0, s.Line())
		if modSlot < 0 {
			c.emit(bytecode.OpPop, 0, s.Line())
		}
	default:
		c.defineVariable(s.Modules[len(s.Modules)-1], s.Line())
	}
}

// compileTryStmt emits the protected block followed by each except
// clause's handler body, recording a HandlerEntry per clause so the VM
// can match a raised exception's class against ClassConst while
// unwinding. Ensure bodies are duplicated onto the normal path and onto
// the end of each except clause, since this compiler does not model
// asynchronous unwinding through Go defer; an exception that no except
// clause matches propagates without running the ensure body.
func (c *Compiler) compileTryStmt(s *ast.TryStmt) {
	// Locals declared before the try block are the baseline depth a raise
	// unwinding into one of this try's handlers must restore to, whatever
	// temporaries or deeper locals the protected block itself pushed.
	baseDepth := len(c.fs.locals)

	tryStart := len(c.fs.chunk.Code)
	c.emit(bytecode.OpSetupTry, 0, s.Line())

	c.beginScope()
	for _, st := range s.Block {
		c.compileStmt(st)
	}
	c.endScope(s.Line())
	c.emit(bytecode.OpPopTry, 0, s.Line())

	for _, st := range s.Ensure {
		c.compileStmt(st)
	}
	endJump := c.emit(bytecode.OpJump, 0, s.Line())
	tryEnd := len(c.fs.chunk.Code)

	var handlerJumps []int
	for _, exc := range s.Excepts {
		handlerPC := len(c.fs.chunk.Code)
		classIdx := c.addConstant(exc.ClassName)
		varSlot := -1
		c.beginScope()
		if exc.VarName != "" {
			varSlot = c.declareLocal(exc.VarName)
		} else {
			c.emit(bytecode.OpPop, 0, s.Line())
		}
		for _, st := range exc.Body {
			c.compileStmt(st)
		}
		c.endScope(s.Line())
		for _, st := range s.Ensure {
			c.compileStmt(st)
		}
		c.fs.chunk.Handlers = append(c.fs.chunk.Handlers, bytecode.HandlerEntry{
			TryStart: tryStart, TryEnd: tryEnd, HandlerPC: handlerPC,
			ClassConst: classIdx, VarSlot: varSlot, StackDepth: baseDepth,
		})
		handlerJumps = append(handlerJumps, c.emit(bytecode.OpJump, 0, s.Line()))
	}

	for _, j := range handlerJumps {
		c.patchJumpHere(j)
	}
	c.patchJumpHere(endJump)
}

// --- expressions -------------------------------------------------------------------

var binaryOpcodes = map[ast.Operator]bytecode.Opcode{
	ast.OpPlus: bytecode.OpAdd, ast.OpMinus: bytecode.OpSub, ast.OpMul: bytecode.OpMul,
	ast.OpDiv: bytecode.OpDiv, ast.OpMod: bytecode.OpMod,
	ast.OpEq: bytecode.OpEqual, ast.OpNeq: bytecode.OpNotEqual,
	ast.OpGt: bytecode.OpGreater, ast.OpGe: bytecode.OpGreaterEqual,
	ast.OpLt: bytecode.OpLess, ast.OpLe: bytecode.OpLessEqual,
}

func (c *Compiler) compileExpr(e ast.Expr) {
	switch e := e.(type) {
	case *ast.NumberLit:
		idx := c.addConstant(e.Value)
		c.emit(bytecode.OpConstant, idx, e.Line())
	case *ast.StringLit:
		idx := c.addConstant(e.Value)
		c.emit(bytecode.OpConstant, idx, e.Line())
	case *ast.BoolLit:
		if e.Value {
			c.emit(bytecode.OpTrue, 0, e.Line())
		} else {
			c.emit(bytecode.OpFalse, 0, e.Line())
		}
	case *ast.NullLit:
		c.emit(bytecode.OpNull, 0, e.Line())
	case *ast.VarLit:
		c.compileNameRead(e.Name, e.Line())
	case *ast.SuperLit:
		c.compileNameRead("this", e.Line())
	case *ast.BinaryExpr:
		c.compileBinaryExpr(e)
	case *ast.UnaryExpr:
		c.compileUnaryExpr(e)
	case *ast.ExpExpr:
		c.compileExpr(e.Base)
		c.compileExpr(e.Exponent)
		c.emit(bytecode.OpPow, 0, e.Line())
	case *ast.AssignExpr:
		c.compileAssignExpr(e)
	case *ast.CompoundAssignExpr:
		c.compileCompoundAssignExpr(e)
	case *ast.AccessExpr:
		c.compileAccessExpr(e)
	case *ast.ArrAccExpr:
		c.compileExpr(e.Left)
		c.compileExpr(e.Index)
		c.emit(bytecode.OpGetIndex, 0, e.Line())
	case *ast.ArrLit:
		for _, el := range e.Elements {
			c.compileExpr(el)
		}
		c.emit(bytecode.OpBuildList, len(e.Elements), e.Line())
	case *ast.TupleLit:
		for _, el := range e.Elements {
			c.compileExpr(el)
		}
		c.emit(bytecode.OpBuildTuple, len(e.Elements), e.Line())
	case *ast.ExprList:
		for _, el := range e.Exprs {
			c.compileExpr(el)
		}
	case *ast.CallExpr:
		c.compileCallExpr(e)
	case *ast.Ternary:
		c.compileTernary(e)
	case *ast.AnonFunc:
		proto := c.compileFunctionBody("<anonymous>", e.Params, e.Defaults, e.Vararg, e.Body, e.Line())
		idx := c.addConstant(proto)
		c.emit(bytecode.OpClosure, idx, e.Line())
	default:
		c.errorf(e.Line(), "internal: unhandled expression type %T", e)
	}
}

func (c *Compiler) compileBinaryExpr(e *ast.BinaryExpr) {
	switch e.Op {
	case ast.OpAnd:
		c.compileExpr(e.Left)
		skip := c.emit(bytecode.OpJumpIfFalse, 0, e.Line())
		c.emit(bytecode.OpPop, 0, e.Line())
		c.compileExpr(e.Right)
		c.patchJumpHere(skip)
		return
	case ast.OpOr:
		c.compileExpr(e.Left)
		skip := c.emit(bytecode.OpJumpIfTrue, 0, e.Line())
		c.emit(bytecode.OpPop, 0, e.Line())
		c.compileExpr(e.Right)
		c.patchJumpHere(skip)
		return
	case ast.OpIs:
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.emit(bytecode.OpEqual, 0, e.Line())
		return
	}
	c.compileExpr(e.Left)
	c.compileExpr(e.Right)
	op, ok := binaryOpcodes[e.Op]
	if !ok {
		c.errorf(e.Line(), "internal: unhandled binary operator %s", e.Op)
		return
	}
	c.emit(op, 0, e.Line())
}

func (c *Compiler) compileUnaryExpr(e *ast.UnaryExpr) {
	c.compileExpr(e.Operand)
	switch e.Op {
	case ast.OpMinus:
		c.emit(bytecode.OpNegate, 0, e.Line())
	case ast.OpNot:
		c.emit(bytecode.OpNot, 0, e.Line())
	case ast.OpLength:
		c.emit(bytecode.OpLen, 0, e.Line())
	default:
		c.errorf(e.Line(), "internal: unhandled unary operator %s", e.Op)
	}
}

func (c *Compiler) compileAssignExpr(e *ast.AssignExpr) {
	switch target := e.Target.(type) {
	case *ast.VarLit:
		c.compileExpr(e.Value)
		c.compileNameWrite(target.Name, e.Line())
	case *ast.AccessExpr:
		c.compileExpr(target.Left)
		c.compileExpr(e.Value)
		idx := c.addConstant(target.Name)
		c.emit(bytecode.OpSetField, idx, e.Line())
	case *ast.ArrAccExpr:
		c.compileExpr(target.Left)
		c.compileExpr(target.Index)
		c.compileExpr(e.Value)
		c.emit(bytecode.OpSetIndex, 0, e.Line())
	default:
		c.errorf(e.Line(), "invalid assignment target")
	}
}

func (c *Compiler) compileCompoundAssignExpr(e *ast.CompoundAssignExpr) {
	op, ok := binaryOpcodes[e.Op]
	if !ok {
		c.errorf(e.Line(), "internal: unhandled compound-assignment operator %s", e.Op)
		return
	}
	switch target := e.Target.(type) {
	case *ast.VarLit:
		c.compileNameRead(target.Name, e.Line())
		c.compileExpr(e.Value)
		c.emit(op, 0, e.Line())
		c.compileNameWrite(target.Name, e.Line())
	case *ast.AccessExpr:
		c.compileExpr(target.Left)
		c.emit(bytecode.OpDup, 0, e.Line())
		idx := c.addConstant(target.Name)
		c.emit(bytecode.OpGetField, idx, e.Line())
		c.compileExpr(e.Value)
		c.emit(op, 0, e.Line())
		c.emit(bytecode.OpSetField, idx, e.Line())
	case *ast.ArrAccExpr:
		// A single OpDup(0) only copies the top slot, but reading the
		// current element needs both the container and the index still
		// around afterwards for the trailing OpSetIndex. OpDup's operand
		// is a depth below the current top, so two OpDup(1)s duplicate
		// both without touching anything else that happens to already be
		// on the stack (e.g. a call's earlier arguments).
		c.compileExpr(target.Left)             // [obj]
		c.compileExpr(target.Index)            // [obj, idx]
		c.emit(bytecode.OpDup, 1, e.Line())     // [obj, idx, obj]
		c.emit(bytecode.OpDup, 1, e.Line())     // [obj, idx, obj, idx]
		c.emit(bytecode.OpGetIndex, 0, e.Line()) // [obj, idx, cur]
		c.compileExpr(e.Value)                 // [obj, idx, cur, rhs]
		c.emit(op, 0, e.Line())                 // [obj, idx, new]
		c.emit(bytecode.OpSetIndex, 0, e.Line()) // [result]
	default:
		c.errorf(e.Line(), "invalid compound-assignment target")
	}
}

func (c *Compiler) compileAccessExpr(e *ast.AccessExpr) {
	if _, isSuper := e.Left.(*ast.SuperLit); isSuper {
		// super.method(...) calls bypass this via OpSuperInvoke in
		// compileCallExpr; a bare super.name still needs "this" on the
		// stack (OpGetSuper binds a superclass method to it as a
		// BoundMethod, or else reads this's own field of that name) so
		// super resolves against the lexically enclosing class's
		// superclass rather than this's runtime class.
		c.compileNameRead("this", e.Line())
		idx := c.addConstant(e.Name)
		c.emit(bytecode.OpGetSuper, idx, e.Line())
		return
	}
	c.compileExpr(e.Left)
	idx := c.addConstant(e.Name)
	c.emit(bytecode.OpGetField, idx, e.Line())
}

func (c *Compiler) compileCallExpr(e *ast.CallExpr) {
	switch callee := e.Callee.(type) {
	case *ast.AccessExpr:
		if _, isSuper := callee.Left.(*ast.SuperLit); isSuper {
			c.compileNameRead("this", e.Line())
			for _, a := range e.Args {
				c.compileExpr(a)
			}
			idx := c.addConstant(callee.Name)
			c.emit(bytecode.OpSuperInvoke, bytecode.EncodeInvoke(idx, len(e.Args)), e.Line())
			return
		}
		c.compileExpr(callee.Left)
		for _, a := range e.Args {
			c.compileExpr(a)
		}
		idx := c.addConstant(callee.Name)
		c.emit(bytecode.OpInvoke, bytecode.EncodeInvoke(idx, len(e.Args)), e.Line())
	default:
		c.compileExpr(e.Callee)
		for _, a := range e.Args {
			c.compileExpr(a)
		}
		c.emit(bytecode.OpCall, len(e.Args), e.Line())
	}
}

func (c *Compiler) compileTernary(e *ast.Ternary) {
	c.compileExpr(e.Cond)
	elseJump := c.emit(bytecode.OpJumpIfFalse, 0, e.Line())
	c.emit(bytecode.OpPop, 0, e.Line())
	c.compileExpr(e.Then)
	endJump := c.emit(bytecode.OpJump, 0, e.Line())
	c.patchJumpHere(elseJump)
	c.emit(bytecode.OpPop, 0, e.Line())
	c.compileExpr(e.Else)
	c.patchJumpHere(endJump)
}
