package lru

import (
	"testing"

	"github.com/lucasew/imgprefetch/internal/eviction"
	"github.com/lucasew/imgprefetch/internal/eviction/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU(t *testing.T) {
	l := New()

	l.OnAdd("a", 10)
	l.OnAdd("b", 20)
	l.OnAdd("c", 30)

	// Order: c, b, a
	l.OnAccess("a")
	// Order: a, c, b
	assert.Equal(t, []string{"a", "c", "b"}, l.Keys())

	t.Run("By Bytes", func(t *testing.T) {
		victims := l.GetVictims(policy.Usage{Bytes: 20})
		require.Len(t, victims, 1)
		assert.Equal(t, "b", victims[0].Key)

		victims = l.GetVictims(policy.Usage{Bytes: 50})
		require.Len(t, victims, 2)
		assert.Equal(t, "b", victims[0].Key)
		assert.Equal(t, "c", victims[1].Key)
	})

	t.Run("By Entries", func(t *testing.T) {
		victims := l.GetVictims(policy.Usage{Entries: 1})
		require.Len(t, victims, 1)
		assert.Equal(t, "b", victims[0].Key)
	})

	t.Run("Nothing To Free", func(t *testing.T) {
		assert.Empty(t, l.GetVictims(policy.Usage{}))
	})

	t.Run("Update Returns Diff", func(t *testing.T) {
		assert.EqualValues(t, 5, l.OnAdd("a", 15))
		assert.Equal(t, 3, l.Len())
	})
}

func TestLRU_Remove(t *testing.T) {
	l := New()
	l.OnAdd("a", 10)
	l.Remove("a")

	assert.Empty(t, l.GetVictims(policy.Usage{Entries: 1}))
	assert.Zero(t, l.Len())
}

func TestRegistered(t *testing.T) {
	s, err := eviction.GetStrategy("lru")
	require.NoError(t, err)
	assert.IsType(t, &LRU{}, s)
	assert.Contains(t, eviction.Names(), "lru")

	_, err = eviction.GetStrategy("random")
	assert.Error(t, err)
}
