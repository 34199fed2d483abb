package x402

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
)

func TestChallengeSignatureCoversEveryField(t *testing.T) {
	base := Challenge{
		Nonce:          "n1",
		Recipient:      testTreasury,
		AmountMicro:    1000,
		RequestBinding: RequestBinding("nft-7", "gpt-x", 4096),
		Method:         "POST",
		Path:           "/v1/complete",
		Expiry:         1740000000,
	}
	sig := base.Sign(testSecret)

	mutations := []func(*Challenge){
		func(c *Challenge) { c.Nonce = "n2" },
		func(c *Challenge) { c.Recipient = "0x0" },
		func(c *Challenge) { c.AmountMicro = 1001 },
		func(c *Challenge) { c.RequestBinding = "x" },
		func(c *Challenge) { c.Method = "GET" },
		func(c *Challenge) { c.Path = "/v1/other" },
		func(c *Challenge) { c.Expiry = 1740000001 },
	}
	for i, mutate := range mutations {
		c := base
		mutate(&c)
		assert.NotEqual(t, sig, c.Sign(testSecret), "mutation %d must change the signature", i)
	}
}

func TestIssueStoresChallengeWithTTL(t *testing.T) {
	store := statestore.NewMemoryStore()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	issuer := NewIssuer(store, testSecret, testTreasury)
	issuer.SetClock(func() time.Time { return now })

	ch, err := issuer.Issue(context.Background(), "POST", "/v1/complete", 500, "nft-1", "gpt-x", 1024)
	require.NoError(t, err)
	assert.True(t, ch.VerifyHMAC(testSecret, nil))
	assert.Equal(t, now.Add(ChallengeTTL).Unix(), ch.Expiry)

	_, ok, err := store.Get(context.Background(), challengeKey(ch.Nonce))
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(ChallengeTTL + time.Second)
	_, ok, err = store.Get(context.Background(), challengeKey(ch.Nonce))
	require.NoError(t, err)
	assert.False(t, ok, "challenge must expire with its TTL")
}

func TestIssueRejectsNonPositiveAmount(t *testing.T) {
	issuer := NewIssuer(statestore.NewMemoryStore(), testSecret, testTreasury)
	_, err := issuer.Issue(context.Background(), "POST", "/p", 0, "t", "m", 1)
	assert.True(t, faults.Is(err, faults.BudgetInvalid))
}

type flakyChain struct {
	fail  bool
	calls int
}

func (f *flakyChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: common.Big1}, nil
}

func (f *flakyChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	if f.fail {
		return 0, errors.New("dial tcp: connection refused")
	}
	return 42, nil
}

func TestPoolRotatesPastDeadEndpoint(t *testing.T) {
	dead := &flakyChain{fail: true}
	live := &flakyChain{}
	pool := NewPool(dead, live)

	n, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, 1, dead.calls)

	// The pool remembers the rotation and skips the dead endpoint.
	_, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dead.calls)
	assert.Equal(t, 2, live.calls)
}

func TestPoolAllEndpointsDown(t *testing.T) {
	pool := NewPool(&flakyChain{fail: true}, &flakyChain{fail: true})
	_, err := pool.BlockNumber(context.Background())
	assert.True(t, faults.Is(err, faults.RPCUnreachable))
}

func TestPoolBreakerShortCircuitsDeadChain(t *testing.T) {
	dead := &flakyChain{fail: true}
	pool := NewPool(dead)
	pool.SetBreaker(circuitbreaker.New(circuitbreaker.Config{
		Name:          "test-rpc",
		TripAfter:     2,
		Cooldown:      time.Minute,
		OnStateChange: func(string, circuitbreaker.State, circuitbreaker.State) {},
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := pool.BlockNumber(ctx)
		require.True(t, faults.Is(err, faults.RPCUnreachable))
	}
	callsBefore := dead.calls

	// The breaker is open; the pool is not walked again.
	_, err := pool.BlockNumber(ctx)
	assert.True(t, faults.Is(err, faults.RPCUnreachable))
	assert.Equal(t, callsBefore, dead.calls)
}

func TestPoolBreakerTreatsNotFoundAsHealthy(t *testing.T) {
	missing := &notFoundChain{}
	pool := NewPool(missing)
	b := circuitbreaker.New(circuitbreaker.Config{
		Name:          "test-rpc",
		TripAfter:     2,
		Cooldown:      time.Minute,
		OnStateChange: func(string, circuitbreaker.State, circuitbreaker.State) {},
	})
	pool.SetBreaker(b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := pool.TransactionReceipt(ctx, common.HexToHash("0x01"))
		require.True(t, faults.Is(err, faults.TxNotFound))
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

type notFoundChain struct{}

func (notFoundChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (notFoundChain) BlockNumber(context.Context) (uint64, error) { return 1, nil }
