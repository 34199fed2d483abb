// Package settlement executes payments: the hosted facilitator first,
// then direct on-chain submission when the facilitator is down or its
// circuit breaker is open. Whatever route produced the transaction, the
// funds are confirmed on chain before the settlement is reported good.
package settlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/wal"
	"github.com/ocx/metering/internal/x402"
)

// Settler submits a payment and returns the transaction hash.
type Settler interface {
	Settle(ctx context.Context, req Request) (txHash string, err error)
}

// Request describes one payment to execute.
type Request struct {
	Wallet      string `json:"wallet"`
	AmountMicro int64  `json:"amount_micro"`
	Reference   string `json:"reference"` // trace id, for audit correlation
}

// Route records which path carried the payment.
type Route string

const (
	RouteFacilitator Route = "facilitator"
	RouteDirect      Route = "direct"
)

// Result is a confirmed settlement.
type Result struct {
	TxHash      string    `json:"tx_hash"`
	Route       Route     `json:"route"`
	AmountMicro int64     `json:"amount_micro"`
	SettledAt   time.Time `json:"settled_at"`
}

// Config holds the verification policy for settled transactions.
type Config struct {
	TokenContract common.Address
	Treasury      common.Address
}

// Service orchestrates facilitator-then-direct settlement with breaker
// gating and post-hoc receipt verification.
type Service struct {
	facilitator Settler
	direct      Settler
	breaker     *circuitbreaker.Breaker
	chain       x402.ChainReader
	journal     *wal.WAL
	cfg         Config
	now         func() time.Time
}

// NewService wires the service. direct may be nil when no on-chain
// fallback is configured; the facilitator then carries everything.
func NewService(facilitator, direct Settler, breaker *circuitbreaker.Breaker, chain x402.ChainReader, journal *wal.WAL, cfg Config) *Service {
	return &Service{
		facilitator: facilitator,
		direct:      direct,
		breaker:     breaker,
		chain:       chain,
		journal:     journal,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Settle executes the payment and confirms it landed. Every outcome is
// journaled before it is returned.
func (s *Service) Settle(ctx context.Context, req Request) (*Result, error) {
	res, err := s.settle(ctx, req)
	s.record(ctx, req, res, err)
	return res, err
}

func (s *Service) settle(ctx context.Context, req Request) (*Result, error) {
	if req.AmountMicro <= 0 {
		return nil, faults.Newf(faults.BudgetInvalid, "settlement amount must be positive, got %d", req.AmountMicro)
	}

	txHash, route, err := s.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.confirm(ctx, txHash, req.AmountMicro); err != nil {
		return nil, err
	}
	return &Result{
		TxHash:      txHash,
		Route:       route,
		AmountMicro: req.AmountMicro,
		SettledAt:   s.now().UTC(),
	}, nil
}

// execute tries the facilitator under its breaker, then the direct path.
func (s *Service) execute(ctx context.Context, req Request) (string, Route, error) {
	var txHash string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		h, err := s.facilitator.Settle(ctx, req)
		if err != nil {
			return err
		}
		txHash = h
		return nil
	})
	if err == nil {
		return txHash, RouteFacilitator, nil
	}

	if s.direct == nil {
		if err == circuitbreaker.ErrOpen || err == circuitbreaker.ErrTooManyRequests {
			return "", "", faults.Wrap(faults.SettlementUnavailable, "facilitator circuit open, no fallback", err)
		}
		return "", "", faults.Wrap(faults.SettlementFailed, "facilitator settlement failed", err)
	}

	slog.Warn("settlement: facilitator path failed, falling back to direct",
		"reference", req.Reference, "err", err)
	h, derr := s.direct.Settle(ctx, req)
	if derr != nil {
		return "", "", faults.Wrap(faults.SettlementFailed, "both settlement paths failed", derr)
	}
	return h, RouteDirect, nil
}

// confirm checks the mined receipt: success status and exactly one token
// transfer of the expected amount to the treasury.
func (s *Service) confirm(ctx context.Context, txHash string, amountMicro int64) error {
	receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return faults.Wrap(faults.SettlementVerificationFailed, "fetch settlement receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return faults.Newf(faults.SettlementVerificationFailed, "settlement tx %s reverted", txHash)
	}

	want := big.NewInt(amountMicro)
	matches := 0
	for _, lg := range receipt.Logs {
		if lg.Address != s.cfg.TokenContract || len(lg.Topics) != 3 || lg.Topics[0] != x402.TransferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != s.cfg.Treasury {
			continue
		}
		if new(big.Int).SetBytes(lg.Data).Cmp(want) != 0 {
			continue
		}
		matches++
	}
	if matches != 1 {
		return faults.Newf(faults.SettlementVerificationFailed,
			"expected one transfer of %d to treasury in %s, found %d", amountMicro, txHash, matches)
	}
	return nil
}

func (s *Service) record(ctx context.Context, req Request, res *Result, serr error) {
	if s.journal == nil {
		return
	}
	entry := map[string]interface{}{
		"wallet":       req.Wallet,
		"amount_micro": req.AmountMicro,
		"reference":    req.Reference,
		"outcome":      "settled",
	}
	if serr != nil {
		entry["outcome"] = string(faults.KindOf(serr))
	} else if res != nil {
		entry["tx_hash"] = res.TxHash
		entry["route"] = string(res.Route)
	}
	data, _ := json.Marshal(entry)
	if _, err := s.journal.Append(ctx, wal.OpSettlement, "settlement/"+req.Reference, data); err != nil {
		slog.Warn("settlement: journal append failed", "reference", req.Reference, "err", err)
	}
}
