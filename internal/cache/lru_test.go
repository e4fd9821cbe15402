package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applog "fintrack/internal/log"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Size())
}

func TestLRUCache_OverwriteKeepsSize(t *testing.T) {
	c := NewLRUCache[string](2, 0)
	c.Set("a", "x")
	c.Set("a", "y")
	v, _ := c.Get("a")
	assert.Equal(t, "y", v)
	assert.Equal(t, 1, c.Size())

	c.Delete("a")
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_TTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[int](10, time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(30 * time.Second)
	c.Set("b", 3)

	now = now.Add(45 * time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok, "a expired")

	assert.Equal(t, 0, c.CleanExpired())
	now = now.Add(time.Minute)
	assert.Equal(t, 1, c.CleanExpired())
	assert.Equal(t, 0, c.Size())
}

func TestManager_CleanNowAndStop(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[int](10, time.Second)
	c.now = func() time.Time { return now }
	c.Set("a", 1)

	m := NewManager(applog.Discard())
	m.Register(c)
	m.StartCleanup(time.Hour)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, m.CleanNow())

	m.Stop()
	m.Stop()
}
