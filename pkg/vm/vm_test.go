package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, src string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	opts := DefaultOptions()
	opts.Stdout = &out
	v := New(opts)
	_, err := v.Interpret([]byte(src), "main")
	return out.String(), err
}

func TestPrintArithmetic(t *testing.T) {
	out, err := run(t, `print(1 + 2 * 3)`)
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestFunctionDefaultArgs(t *testing.T) {
	out, err := run(t, `
fun greet(name, suffix="!")
    print(name + suffix)
end
greet("hi")
greet("hey", "?")
`)
	require.NoError(t, err)
	assert.Equal(t, "hi!\nhey?\n", out)
}

func TestListMutationAndForEach(t *testing.T) {
	out, err := run(t, `
var l = [1, 2, 3]
l.add(4)
for var x in l do
    print(x)
end
`)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4\n", out)
}

func TestSuperMethodDispatch(t *testing.T) {
	out, err := run(t, `
class Animal
    fun speak()
        print("...")
    end
end

class Dog is Animal
    fun speak()
        super.speak()
        print("woof")
    end
end

Dog().speak()
`)
	require.NoError(t, err)
	assert.Equal(t, "...\nwoof\n", out)
}

func TestTryRaiseExceptHandlesException(t *testing.T) {
	out, err := run(t, `
try
    raise Exception("boom")
except Exception as e
    print(e.err)
end
`)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", out)
}

func TestClosureCapturesMutableUpvalue(t *testing.T) {
	out, err := run(t, `
fun counter()
    var n = 0
    fun next()
        n = n + 1
        return n
    end
    return next
end

var c = counter()
print(c())
print(c())
print(c())
`)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", out)
}

func TestUncaughtExceptionReturnsRuntimeError(t *testing.T) {
	_, err := run(t, `raise Exception("fatal")`)
	require.Error(t, err)
	rerr, ok := err.(*RuntimeError)
	require.True(t, ok, "expected *RuntimeError, got %T", err)
	assert.Contains(t, rerr.Message, "fatal")
}

func TestCompileErrorOnSyntaxError(t *testing.T) {
	_, err := run(t, `var = ;`)
	require.Error(t, err)
	_, ok := err.(*CompileError)
	require.True(t, ok, "expected *CompileError, got %T", err)
}

func TestSuperFieldAccess(t *testing.T) {
	out, err := run(t, `
class Base
    fun init()
        this.tag = "base"
    end
end

class Derived is Base
    fun init()
        super.init()
        print(super.tag)
    end
end

Derived()
`)
	require.NoError(t, err)
	assert.Equal(t, "base\n", out)
}

func TestRegexIterationSkipsEmptyMatches(t *testing.T) {
	out, err := run(t, `
var re = Regex("a*")
for var m in re.__iter__("baaab") do
    print(m)
    print("|")
end
`)
	require.NoError(t, err)
	assert.Contains(t, out, "aaa")
}

func TestNumberToString(t *testing.T) {
	out, err := run(t, `print((1+2*3).toString())`)
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestStringSlice(t *testing.T) {
	out, err := run(t, `print("hello world".slice(6, 11))`)
	require.NoError(t, err)
	assert.Equal(t, "world\n", out)
}

func TestStringSliceNegativeEnd(t *testing.T) {
	out, err := run(t, `print("hello world".slice(0, -6))`)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestNativeDeclarationResolvesRegisteredHost(t *testing.T) {
	out, err := run(t, `
native find(str, regex, off=0)
var m = find("hello world", "wor")
print(m)
`)
	require.NoError(t, err)
	assert.Equal(t, "(6, 9)\n", out)
}

func TestNativeMatchIsAnchoredFindIsNot(t *testing.T) {
	out, err := run(t, `
native match(str, regex, off=0)
native find(str, regex, off=0)
print(match("hello", "ell"))
print(find("hello", "ell"))
`)
	require.NoError(t, err)
	assert.Equal(t, "null\n(1, 4)\n", out)
}

func TestNativeGsubReplacesAllByDefault(t *testing.T) {
	out, err := run(t, `
native gsub(str, regex, sub, num=0)
print(gsub("a-b-c", "-", "/"))
`)
	require.NoError(t, err)
	assert.Equal(t, "a/b/c\n", out)
}

func TestNativeGmatchIteratesEveryMatch(t *testing.T) {
	out, err := run(t, `
native gmatch(str, regex)
for var m in gmatch("aXbXc", "X") do
    print(m)
end
`)
	require.NoError(t, err)
	assert.Equal(t, "X\nX\n", out)
}

func TestUndeclaredNativeRaisesNameException(t *testing.T) {
	_, err := run(t, `native notRegistered(x)`)
	require.Error(t, err)
	rerr, ok := err.(*RuntimeError)
	require.True(t, ok, "expected *RuntimeError, got %T", err)
	assert.Contains(t, rerr.Message, "notRegistered")
}
