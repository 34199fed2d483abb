package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func newTestBreaker(tripAfter uint32, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(Config{
		Name:          "test",
		MaxProbes:     1,
		Cooldown:      cooldown,
		TripAfter:     tripAfter,
		OnStateChange: func(string, State, State) {},
	})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func fail(ctx context.Context) error { return errBackend }
func ok(ctx context.Context) error   { return nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
		require.Equal(t, StateClosed, b.State(), "after %d failures", i+1)
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	// While OPEN, calls are rejected without touching the backend.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State(), "interleaved success must reset the streak")

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// A successful probe closes the breaker.
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	// The cooldown restarts from the reopening.
	*now = now.Add(20 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	*now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	*now = now.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe is in flight; a second concurrent one is rejected.
	release := make(chan struct{})
	done := make(chan error, 1)
	go b.Execute(ctx, func(context.Context) error { <-release; return nil }) //nolint:errcheck
	go func() {
		// Wait for the first probe to register.
		for b.Counts().Requests == 0 {
			time.Sleep(time.Millisecond)
		}
		done <- b.Execute(ctx, ok)
	}()
	err := <-done
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestHalfOpenClosesAfterMultipleProbes(t *testing.T) {
	b := New(Config{
		Name:          "multi-probe",
		MaxProbes:     2,
		Cooldown:      10 * time.Second,
		TripAfter:     2,
		OnStateChange: func(string, State, State) {},
	})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Every probe the window admits must be executable in sequence;
	// after MaxProbes consecutive successes the breaker closes.
	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestRequestsCountedOncePerCall(t *testing.T) {
	b, _ := newTestBreaker(5, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, ok))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))

	c := b.Counts()
	assert.Equal(t, uint32(3), c.Requests)
	assert.Equal(t, uint32(2), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)
}

func TestAllow(t *testing.T) {
	b, _ := newTestBreaker(1, 10*time.Second)
	require.NoError(t, b.Allow())
	require.Error(t, b.Execute(context.Background(), fail))
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestGatewayBreakers(t *testing.T) {
	g := NewGatewayBreakers()

	p1 := g.Provider("openai")
	p2 := g.Provider("openai")
	assert.Same(t, p1, p2, "provider breakers are cached")

	healthy, states := g.Health()
	assert.True(t, healthy)
	assert.Equal(t, "CLOSED", states["facilitator"])
	assert.Equal(t, "CLOSED", states["chain-rpc"])
	assert.Equal(t, "CLOSED", states["provider-openai"])

	// Trip the facilitator and health degrades.
	g.Facilitator.SetClock(time.Now)
	for i := 0; i < 5; i++ {
		_ = g.Facilitator.Execute(context.Background(), fail)
	}
	healthy, states = g.Health()
	assert.False(t, healthy)
	assert.Equal(t, "OPEN", states["facilitator"])
}
