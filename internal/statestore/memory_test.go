package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestSetOnlyIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Set(ctx, "lock", "a", SetOptions{OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Set(ctx, "lock", "b", SetOptions{OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", v)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock, advance := fixedClock(time.Unix(1700000000, 0))
	s.SetClock(clock)

	_, err := s.Set(ctx, "k", "v", SetOptions{TTL: 10 * time.Second})
	require.NoError(t, err)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	advance(11 * time.Second)
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// An expired key counts as absent for SETNX.
	ok, err := s.Set(ctx, "k", "v2", SetOptions{OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrByPreservesExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock, advance := fixedClock(time.Unix(1700000000, 0))
	s.SetClock(clock)

	_, err := s.Set(ctx, "counter", "5", SetOptions{TTL: 30 * time.Second})
	require.NoError(t, err)

	n, err := s.IncrBy(ctx, "counter", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	advance(31 * time.Second)
	_, found, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrByRejectsNonInteger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Set(ctx, "k", "not-a-number", SetOptions{})
	require.NoError(t, err)

	_, err = s.IncrBy(ctx, "k", 1)
	assert.Error(t, err)
}

func TestSortedSetOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SortedSetAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.SortedSetAdd(ctx, "z", 2, "b"))
	require.NoError(t, s.SortedSetAdd(ctx, "z", 3, "c"))

	n, err := s.SortedSetCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Range results come back ordered by score.
	members, err := s.SortedSetRangeByScore(ctx, "z", 0, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	members, err = s.SortedSetRangeByScore(ctx, "z", 0, 10, 2)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, s.SortedSetRemove(ctx, "z", "b"))
	require.NoError(t, s.SortedSetRemoveByScore(ctx, "z", 3, 3))
	members, err = s.SortedSetRangeByScore(ctx, "z", 0, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestEvalCostCommitDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	keys := []string{"budget:t1:spent_micro", "idem:abc", "budget:t1:headroom_micro"}

	res, err := s.Eval(ctx, ScriptAtomicCostCommit, keys, []interface{}{"1500", "1500", "OK", "3600"})
	require.NoError(t, err)
	arr, ok := res.([]interface{})
	require.True(t, ok)
	assert.Equal(t, "new", arr[0])
	assert.Equal(t, "1500", arr[1])

	// Same idempotency key returns the cached cost and charges nothing.
	res, err = s.Eval(ctx, ScriptAtomicCostCommit, keys, []interface{}{"9999", "9999", "OK", "3600"})
	require.NoError(t, err)
	arr = res.([]interface{})
	assert.Equal(t, "duplicate", arr[0])
	assert.Equal(t, "1500", arr[1])

	v, found, err := s.Get(ctx, "budget:t1:spent_micro")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1500", v)
}

func TestEvalCostCommitFailOpenDebitsHeadroom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	keys := []string{"budget:t1:spent_micro", "idem:xyz", "budget:t1:headroom_micro"}

	_, err := s.Eval(ctx, ScriptAtomicCostCommit, keys, []interface{}{"200", "200", "FAIL_OPEN", "3600"})
	require.NoError(t, err)

	v, found, err := s.Get(ctx, "budget:t1:headroom_micro")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "-200", v)
}

func TestEvalVerifyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	keys := []string{"x402:challenge:n1", "x402:challenge:n1:consumed", "x402:replay:0xabc"}
	args := []interface{}{"60", "0xabc"}

	res, err := s.Eval(ctx, ScriptAtomicVerify, keys, args)
	require.NoError(t, err)
	assert.Equal(t, "NONCE_NOT_FOUND", res)

	_, err = s.Set(ctx, "x402:challenge:n1", "{}", SetOptions{})
	require.NoError(t, err)

	res, err = s.Eval(ctx, ScriptAtomicVerify, keys, args)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res)

	// The nonce is gone, so a second attempt races against the consumed
	// marker rather than the challenge.
	_, err = s.Set(ctx, "x402:challenge:n1", "{}", SetOptions{})
	require.NoError(t, err)
	res, err = s.Eval(ctx, ScriptAtomicVerify, keys, args)
	require.NoError(t, err)
	assert.Equal(t, "RACE_LOST", res)

	// A different nonce paying with the same tx hash is a replay.
	keys2 := []string{"x402:challenge:n2", "x402:challenge:n2:consumed", "x402:replay:0xabc"}
	_, err = s.Set(ctx, "x402:challenge:n2", "{}", SetOptions{})
	require.NoError(t, err)
	res, err = s.Eval(ctx, ScriptAtomicVerify, keys2, args)
	require.NoError(t, err)
	assert.Equal(t, "REPLAY_DETECTED", res)
}

func TestEvalRPMAdmitSlidingWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := []string{"rate:openai:gpt-4:rpm"}
	admit := func(nowMS int64, member string) int64 {
		res, err := s.Eval(ctx, ScriptRPMAdmit, key,
			[]interface{}{nowMS, "2", member, "60000", "120"})
		require.NoError(t, err)
		return res.(int64)
	}

	assert.Equal(t, int64(1), admit(1000, "r1"))
	assert.Equal(t, int64(1), admit(2000, "r2"))
	assert.Equal(t, int64(0), admit(3000, "r3"))

	// One minute later the first two requests have aged out.
	assert.Equal(t, int64(1), admit(63000, "r4"))
}

func TestEvalUnknownScript(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Eval(context.Background(), "return 1", nil, nil)
	assert.Error(t, err)
}
