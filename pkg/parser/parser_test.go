package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stensalweb/jstar/pkg/ast"
)

func parseOK(t *testing.T, src string) *ast.Program {
	t.Helper()
	prog, errs := Parse(src)
	require.Empty(t, errs, "unexpected parse errors: %v", errs)
	return prog
}

func TestParseVarDecl(t *testing.T) {
	prog := parseOK(t, `var x = 1 + 2`)
	require.Len(t, prog.Stmts, 1)
	decl, ok := prog.Stmts[0].(*ast.VarDecl)
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, decl.Names)
	assert.False(t, decl.IsUnpack)
	bin, ok := decl.Init.(*ast.BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ast.OpPlus, bin.Op)
}

func TestParseUnpackVarDecl(t *testing.T) {
	prog := parseOK(t, `var a, b = f()`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	assert.Equal(t, []string{"a", "b"}, decl.Names)
	assert.True(t, decl.IsUnpack)
}

func TestOperatorPrecedence(t *testing.T) {
	prog := parseOK(t, `var x = 1 + 2 * 3`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	bin := decl.Init.(*ast.BinaryExpr)
	assert.Equal(t, ast.OpPlus, bin.Op)
	_, rightIsMul := bin.Right.(*ast.BinaryExpr)
	assert.True(t, rightIsMul, "multiplication must bind tighter than addition")
}

func TestPowerIsRightAssociative(t *testing.T) {
	prog := parseOK(t, `var x = 2 ^ 3 ^ 2`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	exp := decl.Init.(*ast.ExpExpr)
	_, exponentIsExp := exp.Exponent.(*ast.ExpExpr)
	assert.True(t, exponentIsExp, "^ must be right-associative")
}

func TestIfElifElse(t *testing.T) {
	prog := parseOK(t, `
if x < 1 do
  y = 1
elif x < 2 do
  y = 2
else
  y = 3
end`)
	ifs := prog.Stmts[0].(*ast.IfStmt)
	require.Len(t, ifs.Then, 1)
	require.Len(t, ifs.Else, 1)
	elif, ok := ifs.Else[0].(*ast.IfStmt)
	require.True(t, ok)
	require.Len(t, elif.Else, 1)
}

func TestWhileLoop(t *testing.T) {
	prog := parseOK(t, `while true do break end`)
	w := prog.Stmts[0].(*ast.WhileStmt)
	require.Len(t, w.Body, 1)
	_, ok := w.Body[0].(*ast.BreakStmt)
	assert.True(t, ok)
}

func TestForEachLoop(t *testing.T) {
	prog := parseOK(t, `for x in range(0, 10) do continue end`)
	fe := prog.Stmts[0].(*ast.ForEachStmt)
	assert.Equal(t, "x", fe.VarName)
	_, ok := fe.Iterable.(*ast.CallExpr)
	assert.True(t, ok)
}

func TestCStyleForLoop(t *testing.T) {
	prog := parseOK(t, `for var i = 0; i < 10; i += 1 do end`)
	f := prog.Stmts[0].(*ast.ForStmt)
	require.NotNil(t, f.Init)
	require.NotNil(t, f.Cond)
	require.NotNil(t, f.Post)
	_, ok := f.Post.(*ast.CompoundAssignExpr)
	assert.True(t, ok)
}

func TestFuncDeclWithDefaultsAndVararg(t *testing.T) {
	prog := parseOK(t, `fun f(a, b = 2, ...rest) do return a end`)
	fn := prog.Stmts[0].(*ast.FuncDecl)
	assert.Equal(t, []string{"a", "b", "rest"}, fn.Params)
	assert.True(t, fn.Vararg)
	require.Len(t, fn.Defaults, 1)
}

func TestClassDeclWithSuperclass(t *testing.T) {
	prog := parseOK(t, `
class Dog : Animal do
  fun speak() do return "woof" end
end`)
	c := prog.Stmts[0].(*ast.ClassDecl)
	assert.Equal(t, "Dog", c.Name)
	assert.Equal(t, "Animal", c.Super)
	require.Len(t, c.Methods, 1)
	assert.Equal(t, "speak", c.Methods[0].Name)
}

func TestImportForms(t *testing.T) {
	prog := parseOK(t, `import a.b.c as abc`)
	imp := prog.Stmts[0].(*ast.ImportStmt)
	assert.Equal(t, []string{"a", "b", "c"}, imp.Modules)
	assert.Equal(t, "abc", imp.As)

	prog = parseOK(t, `import math for sin, cos`)
	imp = prog.Stmts[0].(*ast.ImportStmt)
	assert.Equal(t, []string{"math"}, imp.Modules)
	assert.Equal(t, []string{"sin", "cos"}, imp.Names)
}

func TestTryExceptEnsure(t *testing.T) {
	prog := parseOK(t, `
try
  raise Exception()
except ValueError as e
  var x = e
ensure
  var y = 1
end`)
	tr := prog.Stmts[0].(*ast.TryStmt)
	require.Len(t, tr.Excepts, 1)
	assert.Equal(t, "ValueError", tr.Excepts[0].ClassName)
	assert.Equal(t, "e", tr.Excepts[0].VarName)
	require.Len(t, tr.Ensure, 1)
}

func TestTernary(t *testing.T) {
	prog := parseOK(t, `var x = a < b ? 1 : 2`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	_, ok := decl.Init.(*ast.Ternary)
	assert.True(t, ok)
}

func TestCallAccessAndSubscriptChain(t *testing.T) {
	prog := parseOK(t, `var x = a.b(1)[2]`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	idx, ok := decl.Init.(*ast.ArrAccExpr)
	require.True(t, ok)
	call, ok := idx.Left.(*ast.CallExpr)
	require.True(t, ok)
	_, ok = call.Callee.(*ast.AccessExpr)
	assert.True(t, ok)
}

func TestTupleAndArrayLiterals(t *testing.T) {
	prog := parseOK(t, `var x = (1, 2, 3)`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	tup, ok := decl.Init.(*ast.TupleLit)
	require.True(t, ok)
	assert.Len(t, tup.Elements, 3)

	prog = parseOK(t, `var y = [1, 2]`)
	decl = prog.Stmts[0].(*ast.VarDecl)
	arr, ok := decl.Init.(*ast.ArrLit)
	require.True(t, ok)
	assert.Len(t, arr.Elements, 2)
}

func TestGroupingParensAreNotATuple(t *testing.T) {
	prog := parseOK(t, `var x = (1 + 2) * 3`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	bin := decl.Init.(*ast.BinaryExpr)
	assert.Equal(t, ast.OpMul, bin.Op)
	_, ok := bin.Left.(*ast.BinaryExpr)
	assert.True(t, ok)
}

func TestAnonymousFunctionExpr(t *testing.T) {
	prog := parseOK(t, `var f = fun(x) do return x end`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	anon, ok := decl.Init.(*ast.AnonFunc)
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, anon.Params)
}

func TestSuperCall(t *testing.T) {
	prog := parseOK(t, `var x = super.init(1)`)
	decl := prog.Stmts[0].(*ast.VarDecl)
	call := decl.Init.(*ast.CallExpr)
	access := call.Callee.(*ast.AccessExpr)
	_, ok := access.Left.(*ast.SuperLit)
	assert.True(t, ok)
}

func TestSyntaxErrorRecoverySurfacesMultipleErrors(t *testing.T) {
	_, errs := Parse(`
var x = )
var y = )
var z = 1
`)
	assert.GreaterOrEqual(t, len(errs), 2, "parser should recover and report more than one error")
}

func TestCompoundAssignment(t *testing.T) {
	prog := parseOK(t, `x += 1`)
	stmt := prog.Stmts[0].(*ast.ExprStmt)
	assign, ok := stmt.X.(*ast.CompoundAssignExpr)
	require.True(t, ok)
	assert.Equal(t, ast.OpPlus, assign.Op)
}
