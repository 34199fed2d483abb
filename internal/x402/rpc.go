package x402

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/faults"
)

// ChainReader is the slice of the RPC surface verification needs.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCPool fans receipt lookups across several endpoints. A transport
// failure rotates to the next endpoint; "not found" answers do not,
// since the transaction genuinely may not exist. With a breaker
// attached, a chain that stays unreachable across every endpoint trips
// it and later lookups short-circuit instead of walking the dead pool.
type RPCPool struct {
	mu      sync.Mutex
	clients []ChainReader
	next    int
	breaker *circuitbreaker.Breaker
}

// SetBreaker guards every pool call with the given breaker.
func (p *RPCPool) SetBreaker(b *circuitbreaker.Breaker) { p.breaker = b }

// Dial connects to every endpoint URL. At least one must succeed.
func Dial(ctx context.Context, urls []string) (*RPCPool, error) {
	var clients []ChainReader
	for _, url := range urls {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			slog.Warn("x402: rpc endpoint unavailable", "url", url, "err", err)
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, faults.New(faults.RPCUnreachable, "no rpc endpoint reachable")
	}
	return &RPCPool{clients: clients}, nil
}

// NewPool wraps pre-built readers, for tests and custom transports.
func NewPool(clients ...ChainReader) *RPCPool {
	return &RPCPool{clients: clients}
}

func (p *RPCPool) pick() (ChainReader, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.next
	return p.clients[i], i
}

func (p *RPCPool) rotateFrom(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == i {
		p.next = (p.next + 1) % len(p.clients)
	}
}

// TransactionReceipt tries each endpoint at most once. ethereum.NotFound
// maps to tx_not_found immediately; transport errors try the next
// endpoint and only surface as rpc_unreachable when every one failed.
func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := p.guarded(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = p.receipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (p *RPCPool) receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var lastErr error
	for range p.clients {
		c, i := p.pick()
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return nil, faults.Wrap(faults.TxNotFound, "transaction "+txHash.Hex(), err)
		}
		lastErr = err
		p.rotateFrom(i)
	}
	return nil, faults.Wrap(faults.RPCUnreachable, "all rpc endpoints failed", lastErr)
}

// BlockNumber returns the chain head, rotating endpoints on failure.
func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.guarded(ctx, func(ctx context.Context) error {
		var err error
		n, err = p.blockNumber(ctx)
		return err
	})
	return n, err
}

func (p *RPCPool) blockNumber(ctx context.Context) (uint64, error) {
	var lastErr error
	for range p.clients {
		c, i := p.pick()
		n, err := c.BlockNumber(ctx)
		if err == nil {
			return n, nil
		}
		lastErr = err
		p.rotateFrom(i)
	}
	return 0, faults.Wrap(faults.RPCUnreachable, "all rpc endpoints failed", lastErr)
}

// guarded runs a pool call through the breaker when one is attached.
// tx_not_found counts as a success for the breaker: the endpoint
// answered, the transaction just does not exist.
func (p *RPCPool) guarded(ctx context.Context, fn func(context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	var callErr error
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		callErr = fn(ctx)
		if faults.Is(callErr, faults.TxNotFound) {
			return nil
		}
		return callErr
	})
	if err != nil && callErr == nil {
		// The breaker rejected the call without running it.
		return faults.Wrap(faults.RPCUnreachable, "chain rpc circuit open", err)
	}
	return callErr
}
