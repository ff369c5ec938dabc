// Package test provides end-to-end integration tests for jstar: full
// source programs run through the compiler and VM, asserting on printed
// output the way a user of the language would observe it.
package test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stensalweb/jstar/pkg/vm"
)

func eval(t *testing.T, src string) string {
	t.Helper()
	var out bytes.Buffer
	opts := vm.DefaultOptions()
	opts.Stdout = &out
	v := vm.New(opts)
	_, err := v.Interpret([]byte(src), "main")
	require.NoError(t, err)
	return out.String()
}

// TestEndToEndScenarios reproduces the six numbered scenarios verbatim.
func TestEndToEndScenarios(t *testing.T) {
	t.Run("ArithmeticPrecedence", func(t *testing.T) {
		out := eval(t, `print(1+2*3)`)
		assert.Equal(t, "7\n", out)
	})

	t.Run("DefaultArgument", func(t *testing.T) {
		out := eval(t, `fun f(a, b=10) return a+b end print(f(5))`)
		assert.Equal(t, "15\n", out)
	})

	t.Run("ListMutationAndForEach", func(t *testing.T) {
		out := eval(t, `var l=[1,2,3]; l.add(4); for var i in l do print(i) end`)
		assert.Equal(t, "1\n2\n3\n4\n", out)
	})

	t.Run("SuperclassMethodChaining", func(t *testing.T) {
		out := eval(t, `class A fun m() return 1 end end
class B is A fun m() return super.m()+1 end end
print(B().m())`)
		assert.Equal(t, "2\n", out)
	})

	t.Run("TryExceptBindsMessage", func(t *testing.T) {
		out := eval(t, `try raise Exception("boom") except Exception as e print(e.err) end`)
		assert.Equal(t, "boom\n", out)
	})

	t.Run("ClosureOverMutableUpvalue", func(t *testing.T) {
		out := eval(t, `fun mk() var x=0 fun inc() x+=1 return x end return inc end
var c=mk()
print(c())
print(c())`)
		assert.Equal(t, "1\n2\n", out)
	})
}

// TestTryRaiseBindsRaisedInstance covers the round-trip property from
// spec.md §8: the bound except variable is the raised instance itself,
// not a copy, so fields set after construction are still visible.
func TestTryRaiseBindsRaisedInstance(t *testing.T) {
	out := eval(t, `
class Oops is Exception
    fun init(msg)
        super.init(msg)
        this.tag = "custom"
    end
end

try
    raise Oops("bad")
except Oops as e
    print(e.err)
    print(e.tag)
end
`)
	assert.Equal(t, "bad\ncustom\n", out)
}

// TestMethodLookupThroughThreeLevelHierarchy covers spec.md §8's method
// lookup invariant: a method defined only on the root of a C -> B -> A
// chain is still reachable and binds "this" to the most-derived instance.
func TestMethodLookupThroughThreeLevelHierarchy(t *testing.T) {
	out := eval(t, `
class A
    fun whoAmI()
        print(this.name)
    end
end
class B is A end
class C is B
    fun init()
        this.name = "c-instance"
    end
end

C().whoAmI()
`)
	assert.Equal(t, "c-instance\n", out)
}

// TestArityInvariant covers spec.md §8's arity invariant: too few
// required arguments raises before the call body ever runs.
func TestArityInvariant(t *testing.T) {
	var out bytes.Buffer
	opts := vm.DefaultOptions()
	opts.Stdout = &out
	v := vm.New(opts)
	_, err := v.Interpret([]byte(`
fun needsTwo(a, b)
    return a + b
end
needsTwo(1)
`), "main")
	require.Error(t, err)
	_, ok := err.(*vm.RuntimeError)
	assert.True(t, ok, "expected *vm.RuntimeError, got %T", err)
}
