package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFalseyTruthy(t *testing.T) {
	assert.True(t, NullValue().Falsey())
	assert.True(t, BoolValue(false).Falsey())
	assert.True(t, BoolValue(true).Truthy())
	assert.True(t, NumberValue(0).Truthy(), "0 is truthy, unlike many scripting languages")
	assert.True(t, NumberValue(-1).Truthy())

	h := NewHeap()
	assert.True(t, ObjectValue(h.NewString("")).Truthy(), "empty string is truthy")
}

func TestEqualPrimitives(t *testing.T) {
	assert.True(t, NumberValue(3).Equal(NumberValue(3)))
	assert.False(t, NumberValue(3).Equal(NumberValue(4)))
	assert.True(t, BoolValue(true).Equal(BoolValue(true)))
	assert.True(t, NullValue().Equal(NullValue()))
	assert.False(t, NumberValue(0).Equal(BoolValue(false)), "distinct types never compare equal")
}

func TestEqualInternedStrings(t *testing.T) {
	h := NewHeap()
	a := h.NewString("hello")
	b := h.NewString("hello")
	assert.Same(t, a, b, "identical byte sequences must intern to one instance")
	assert.True(t, ObjectValue(a).Equal(ObjectValue(b)))

	c := h.NewString("world")
	assert.False(t, ObjectValue(a).Equal(ObjectValue(c)))
}

func TestIsObjectType(t *testing.T) {
	h := NewHeap()
	s := h.NewString("x")
	v := ObjectValue(s)
	assert.True(t, v.IsObjectType(KindString))
	assert.False(t, v.IsObjectType(KindList))
	assert.False(t, NumberValue(1).IsObjectType(KindString))
}

func TestStringHashCachesLazily(t *testing.T) {
	s := &StringObj{Bytes: []byte("abc")}
	h1 := s.Hash()
	h2 := s.Hash()
	assert.Equal(t, h1, h2)
}
