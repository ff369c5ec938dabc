package value

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablePutGetDelete(t *testing.T) {
	h := NewHeap()
	tbl := NewTable()
	k1 := h.NewString("a")
	k2 := h.NewString("b")

	created := tbl.Put(k1, NumberValue(1))
	assert.True(t, created)
	created = tbl.Put(k2, NumberValue(2))
	assert.True(t, created)

	v, ok := tbl.GetByString(k1)
	require.True(t, ok)
	assert.Equal(t, 1.0, v.AsNumber())

	overwritten := tbl.Put(k1, NumberValue(99))
	assert.False(t, overwritten, "Put on an existing key reports false")
	v, ok = tbl.GetByString(k1)
	require.True(t, ok)
	assert.Equal(t, 99.0, v.AsNumber())

	assert.True(t, tbl.Delete(k2))
	_, ok = tbl.GetByString(k2)
	assert.False(t, ok)
	assert.False(t, tbl.Delete(k2), "deleting an absent key reports false")
}

func TestTableGrowsPastLoadFactor(t *testing.T) {
	h := NewHeap()
	tbl := NewTable()
	for i := 0; i < 100; i++ {
		k := h.NewString(fmt.Sprintf("key%d", i))
		tbl.Put(k, NumberValue(float64(i)))
	}
	assert.Equal(t, 100, tbl.Count())
	assert.Greater(t, len(tbl.buckets), tableInitialCapacity)

	for i := 0; i < 100; i++ {
		k := h.NewString(fmt.Sprintf("key%d", i))
		v, ok := tbl.GetByString(k)
		require.True(t, ok)
		assert.Equal(t, float64(i), v.AsNumber())
	}
}

func TestTableKeysByPointerIdentity(t *testing.T) {
	h := NewHeap()
	tbl := NewTable()
	key := h.NewString("shared")
	tbl.Put(key, NumberValue(7))

	// Re-interning the same bytes must return the same pointer, so lookup
	// with the "new" string still finds the entry.
	sameKey := h.NewString("shared")
	v, ok := tbl.GetByString(sameKey)
	require.True(t, ok)
	assert.Equal(t, 7.0, v.AsNumber())
}
