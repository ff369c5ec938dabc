package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stensalweb/jstar/pkg/bytecode"
	"github.com/stensalweb/jstar/pkg/parser"
)

func compileOK(t *testing.T, src string) *bytecode.FunctionProto {
	t.Helper()
	prog, perrs := parser.Parse(src)
	require.Empty(t, perrs, "unexpected parse errors: %v", perrs)
	proto, cerrs := Compile(prog, "main")
	require.Empty(t, cerrs, "unexpected compile errors: %v", cerrs)
	return proto
}

func TestCompileNumberLiteralEndsInNullReturn(t *testing.T) {
	proto := compileOK(t, `42`)
	code := proto.Chunk.Code
	require.GreaterOrEqual(t, len(code), 2)
	assert.Equal(t, bytecode.OpConstant, code[0].Op)
	assert.Equal(t, bytecode.OpNull, code[len(code)-2].Op)
	assert.Equal(t, bytecode.OpReturn, code[len(code)-1].Op)
	assert.Equal(t, float64(42), proto.Chunk.Constants[0])
}

func TestCompileArithmeticPrecedence(t *testing.T) {
	// 1 + 2 * 3 must compile '*' before '+' regardless of source order.
	proto := compileOK(t, `print(1 + 2 * 3)`)
	var ops []bytecode.Opcode
	for _, ins := range proto.Chunk.Code {
		ops = append(ops, ins.Op)
	}
	mulIdx, addIdx := -1, -1
	for i, op := range ops {
		if op == bytecode.OpMul {
			mulIdx = i
		}
		if op == bytecode.OpAdd {
			addIdx = i
		}
	}
	require.NotEqual(t, -1, mulIdx)
	require.NotEqual(t, -1, addIdx)
	assert.Less(t, mulIdx, addIdx, "* must execute before + in 1+2*3")
}

func TestCompileFunctionDeclEmitsClosureAndDefaults(t *testing.T) {
	proto := compileOK(t, `fun f(a, b=10) return a+b end`)
	var sawClosure bool
	for _, ins := range proto.Chunk.Code {
		if ins.Op == bytecode.OpClosure {
			sawClosure = true
		}
	}
	assert.True(t, sawClosure, "expected OpClosure in top-level chunk for a function declaration")

	var nested *bytecode.FunctionProto
	for _, c := range proto.Chunk.Constants {
		if fp, ok := c.(*bytecode.FunctionProto); ok {
			nested = fp
		}
	}
	require.NotNil(t, nested, "expected a nested FunctionProto constant for f")
	assert.Equal(t, 2, nested.Arity)
	assert.Equal(t, 1, nested.DefaultCount)
}

func TestCompileForEachUsesThreeMethodIterationProtocol(t *testing.T) {
	proto := compileOK(t, `for var i in [1,2,3] do print(i) end`)
	names := collectInvokeSelectors(t, proto)
	assert.Contains(t, names, "__iter__")
	assert.Contains(t, names, "__hasNext__")
	assert.Contains(t, names, "__next__")
}

func collectInvokeSelectors(t *testing.T, proto *bytecode.FunctionProto) []string {
	t.Helper()
	var out []string
	for _, ins := range proto.Chunk.Code {
		if ins.Op != bytecode.OpInvoke {
			continue
		}
		idx, _ := bytecode.DecodeInvoke(ins.Operand)
		if s, ok := proto.Chunk.Constants[idx].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestCompileSuperCallResolvesAgainstDefiningClass(t *testing.T) {
	proto := compileOK(t, `
class A fun m() return 1 end end
class B is A fun m() return super.m()+1 end end
`)
	var methodProto *bytecode.FunctionProto
	for _, c := range proto.Chunk.Constants {
		if fp, ok := c.(*bytecode.FunctionProto); ok && fp.Name == "m" {
			methodProto = fp
		}
	}
	require.NotNil(t, methodProto)
	var sawSuperInvoke bool
	for _, ins := range methodProto.Chunk.Code {
		if ins.Op == bytecode.OpSuperInvoke {
			sawSuperInvoke = true
		}
	}
	assert.True(t, sawSuperInvoke, "expected super.m() to compile to OpSuperInvoke")
}

func TestCompileErrorsAccumulateAndSynchronize(t *testing.T) {
	prog, perrs := parser.Parse(`var = ; print(1)`)
	if len(perrs) == 0 {
		_, cerrs := Compile(prog, "main")
		assert.NotEmpty(t, cerrs)
		return
	}
	assert.NotEmpty(t, perrs)
}
