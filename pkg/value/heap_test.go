package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRoots lets tests control exactly what the collector treats as live.
type fakeRoots struct {
	values []Value
}

func (f *fakeRoots) Roots() []Value { return f.values }

func TestInterningReturnsCanonicalInstance(t *testing.T) {
	h := NewHeap()
	a := h.NewString("same")
	b := h.NewString("same")
	assert.Same(t, a, b)
	assert.Equal(t, 1, len(h.strings))
}

func TestCollectFreesUnreachableObjects(t *testing.T) {
	h := NewHeap()
	roots := &fakeRoots{}
	h.SetRoots(roots)

	kept := h.NewString("kept")
	roots.values = []Value{ObjectValue(kept)}

	// Allocate garbage with nothing rooting it.
	_ = h.NewString("garbage-one")
	_ = h.NewList([]Value{NumberValue(1), NumberValue(2)})

	h.Collect()

	assert.Contains(t, h.strings, "kept")
	assert.NotContains(t, h.strings, "garbage-one")
}

func TestCollectKeepsTransitivelyReachableObjects(t *testing.T) {
	h := NewHeap()
	roots := &fakeRoots{}
	h.SetRoots(roots)

	name := h.NewString("inner")
	list := h.NewList([]Value{ObjectValue(name)})
	roots.values = []Value{ObjectValue(list)}

	h.Collect()

	assert.True(t, name.Hdr.Marked == false, "mark bit is cleared again after sweep")
	assert.Contains(t, h.strings, "inner", "string reachable only via the list must survive")
}

func TestCollectClearsMarkBitsForNextCycle(t *testing.T) {
	h := NewHeap()
	roots := &fakeRoots{}
	h.SetRoots(roots)

	s := h.NewString("x")
	roots.values = []Value{ObjectValue(s)}

	h.Collect()
	assert.False(t, s.Hdr.Marked)
	h.Collect()
	assert.False(t, s.Hdr.Marked)
	assert.Contains(t, h.strings, "x")
}

func TestNewInstanceTracksClassOnHeader(t *testing.T) {
	h := NewHeap()
	name := h.NewString("Point")
	class := h.NewClass(name, nil)
	inst := h.NewInstance(class)
	require.NotNil(t, inst.Class())
	assert.Same(t, class, inst.Class())
}

func TestUpvalueOpenCloseTransition(t *testing.T) {
	h := NewHeap()
	slot := NumberValue(5)
	uv := h.NewUpvalue(&slot)
	assert.True(t, uv.IsOpen())

	slot = NumberValue(9)
	assert.Equal(t, 9.0, uv.Addr.AsNumber(), "open upvalue observes writes through the stack slot")

	uv.Close()
	assert.False(t, uv.IsOpen())
	assert.Equal(t, 9.0, uv.Closed.AsNumber())
}
