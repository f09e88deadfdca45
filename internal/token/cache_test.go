package token

import (
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}

func TestSignerCache_PutGetEvict(t *testing.T) {
	cache, err := NewSignerCache(4)
	require.NoError(t, err)

	priv := testSigner(t)
	cache.Put("project-1", priv, "kid-1")

	got, kid, ok := cache.Get("project-1")
	require.True(t, ok)
	assert.Equal(t, priv, got)
	assert.Equal(t, "kid-1", kid)

	cache.Evict("project-1")
	_, _, ok = cache.Get("project-1")
	assert.False(t, ok)
}

func TestSignerCache_Miss(t *testing.T) {
	cache, err := NewSignerCache(4)
	require.NoError(t, err)
	_, _, ok := cache.Get("unknown")
	assert.False(t, ok)
}

func TestSignerCache_Bounded(t *testing.T) {
	cache, err := NewSignerCache(2)
	require.NoError(t, err)

	priv := testSigner(t)
	for i := 0; i < 5; i++ {
		cache.Put(fmt.Sprintf("project-%d", i), priv, "kid")
	}

	// The oldest entries were evicted by the LRU bound.
	_, _, ok := cache.Get("project-0")
	assert.False(t, ok)
	_, _, ok = cache.Get("project-4")
	assert.True(t, ok)
}
