package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/statestore"
)

func newTestLimiter(t *testing.T, limits map[string]Limits, def Limits) (*Limiter, *statestore.MemoryStore, *time.Time) {
	t.Helper()
	store := statestore.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })
	l := New(store, limits, def)
	l.SetClock(func() time.Time { return now })
	return l, store, &now
}

// ============================================================
// RPM sliding window
// ============================================================

func TestAdmitRequestUpToLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o": {RPM: 3},
	}, Limits{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"), "request %d", i)
	}
	assert.False(t, l.AdmitRequest(ctx, "openai", "gpt-4o"), "fourth request should be denied")
}

func TestAdmitRequestWindowSlides(t *testing.T) {
	l, _, now := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o": {RPM: 2},
	}, Limits{})
	ctx := context.Background()

	require.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
	require.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
	require.False(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))

	// One window later the old entries fall out.
	*now = now.Add(61 * time.Second)
	assert.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
}

func TestAdmitRequestIsolatedPerModel(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o":  {RPM: 1},
		"openai/o3-mini": {RPM: 1},
	}, Limits{})
	ctx := context.Background()

	require.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
	require.False(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
	assert.True(t, l.AdmitRequest(ctx, "openai", "o3-mini"), "sibling model keeps its own window")
}

func TestAdmitRequestUnconfiguredIsUnlimited(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil, Limits{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.True(t, l.AdmitRequest(ctx, "anthropic", "claude"))
	}
}

// ============================================================
// TPM two-window weighting
// ============================================================

func TestAdmitTokensUpToLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o": {TPM: 1000},
	}, Limits{})
	ctx := context.Background()

	assert.True(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 600))
	assert.True(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 400))
	assert.False(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 1))
}

func TestAdmitTokensPreviousWindowDecays(t *testing.T) {
	l, _, now := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o": {TPM: 1000},
	}, Limits{})
	ctx := context.Background()

	// Fill the minute completely.
	require.True(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 1000))

	// Immediately after the minute boundary nearly all of the previous
	// minute still counts, so even a small charge is denied.
	*now = now.Add(60 * time.Second)
	assert.False(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 100))

	// Half way through the new minute only half the previous window
	// counts: 1000 * 0.5 = 500 effective, leaving room for 400.
	*now = now.Add(30 * time.Second)
	assert.True(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 400))
	assert.False(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 200))
}

func TestAdmitTokensZeroLimitIsUnlimited(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Limits{
		"openai/gpt-4o": {RPM: 5}, // TPM unset
	}, Limits{})
	assert.True(t, l.AdmitTokens(context.Background(), "openai", "gpt-4o", 1_000_000))
}

// ============================================================
// Fail open
// ============================================================

type downStore struct {
	statestore.Store
}

func (downStore) Eval(ctx context.Context, script string, keys []string, args []interface{}) (interface{}, error) {
	return nil, errors.New("connection refused")
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestFailOpenWhenStoreUnreachable(t *testing.T) {
	var opened []string
	l := New(downStore{}, map[string]Limits{
		"openai/gpt-4o": {RPM: 1, TPM: 1},
	}, Limits{})
	l.OnFailOpen = func(kind string) { opened = append(opened, kind) }
	ctx := context.Background()

	assert.True(t, l.AdmitRequest(ctx, "openai", "gpt-4o"))
	assert.True(t, l.AdmitTokens(ctx, "openai", "gpt-4o", 10_000))
	assert.Equal(t, []string{"rpm", "tpm"}, opened)
	assert.False(t, l.Reachable(ctx))
}

func TestDefaultLimitsApply(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil, Limits{RPM: 1})
	ctx := context.Background()
	require.True(t, l.AdmitRequest(ctx, "mistral", "large"))
	assert.False(t, l.AdmitRequest(ctx, "mistral", "large"))
}
