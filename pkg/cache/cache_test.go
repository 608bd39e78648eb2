package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSet(t *testing.T) {
	c := NewTTL[string](time.Minute)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v")
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestExpiry(t *testing.T) {
	c := NewTTL[int](10 * time.Millisecond)
	c.Set("k", 42)

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestInvalidate(t *testing.T) {
	c := NewTTL[int](time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	got, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, got)

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}
