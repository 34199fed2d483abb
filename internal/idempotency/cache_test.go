package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
)

func TestCanonicalizeSortsKeysAtAllDepths(t *testing.T) {
	a := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": true, "y": []interface{}{1, 2}},
	}
	b := map[string]interface{}{
		"a": map[string]interface{}{"y": []interface{}{1, 2}, "z": true},
		"b": 1,
	}
	assert.Equal(t, Canonicalize(a), Canonicalize(b))
	assert.Equal(t, `{"a":{"y":[1,2],"z":true},"b":1}`, Canonicalize(a))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	a := map[string]interface{}{"xs": []interface{}{1, 2}}
	b := map[string]interface{}{"xs": []interface{}{2, 1}}
	assert.NotEqual(t, Canonicalize(a), Canonicalize(b))
}

func TestStableKeyIgnoresFieldOrder(t *testing.T) {
	k1 := StableKey("search", map[string]interface{}{"q": "x", "n": 3})
	k2 := StableKey("search", map[string]interface{}{"n": 3, "q": "x"})
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	k3 := StableKey("search", map[string]interface{}{"q": "y", "n": 3})
	assert.NotEqual(t, k1, k3)
}

func TestCacheRoundTrip(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := New(store, time.Minute)
	ctx := context.Background()

	args := map[string]interface{}{"path": "/tmp"}
	_, ok := c.Get(ctx, "trace-1", "ls", args)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "trace-1", "ls", args, `{"files":[]}`))
	v, ok := c.Get(ctx, "trace-1", "ls", args)
	require.True(t, ok)
	assert.Equal(t, `{"files":[]}`, v)
	assert.True(t, c.Has(ctx, "trace-1", "ls", args))

	// Different trace, same call: distinct entry.
	_, ok = c.Get(ctx, "trace-2", "ls", args)
	assert.False(t, ok)
}

func TestCacheSurvivesStoreLossViaLocalMirror(t *testing.T) {
	c := New(nil, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "tr", "tool", nil, "result"))
	v, ok := c.Get(ctx, "tr", "tool", nil)
	require.True(t, ok)
	assert.Equal(t, "result", v)
}

func TestNonceGuardWriteOnce(t *testing.T) {
	store := statestore.NewMemoryStore()
	g := NewNonceGuard(store, time.Minute)
	ctx := context.Background()

	ok, err := g.Register(ctx, "n-1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Register(ctx, "n-1", 100)
	require.NoError(t, err)
	assert.False(t, ok, "second registration of the same nonce must lose")

	ok, err = g.Register(ctx, "n-1", 101)
	require.NoError(t, err)
	assert.True(t, ok, "a different minute is a different claim")
}

func TestNonceGuardFailsClosedWithoutStore(t *testing.T) {
	g := NewNonceGuard(nil, time.Minute)
	_, err := g.Register(context.Background(), "n", 1)
	require.Error(t, err)
	assert.Equal(t, faults.NonceUnavailable, faults.KindOf(err))
}
