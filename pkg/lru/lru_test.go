package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_AddGet(t *testing.T) {
	c, err := New[string, int64](2)
	require.NoError(t, err)

	c.Add("a", 1)
	c.Add("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(1), v)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New[string, int64](2)
	require.NoError(t, err)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Get("a") // touch a, making b the LRU entry
	c.Add("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted")

	_, ok = c.Get("a")
	require.True(t, ok, "a was recently used and should survive")
}

func TestCache_DefaultCapacity(t *testing.T) {
	c, err := New[string, int64](0)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestCache_RemoveAndPurge(t *testing.T) {
	c, err := New[string, int64](4)
	require.NoError(t, err)

	c.Add("a", 1)
	c.Remove("a")
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Add("x", 1)
	c.Add("y", 2)
	c.Purge()
	require.Equal(t, 0, c.Len())
}
