package x402

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
	"github.com/ocx/metering/internal/wal"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)"), the
// first topic of every ERC-20 Transfer log. Settlement confirmation
// matches against it too.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// replayTTL keeps consumed tx hashes long enough that any client retry
// storm has died down before the marker expires.
const replayTTL = 24 * time.Hour

// VerifyRequest is what the paying client submits alongside the retried
// inference request.
type VerifyRequest struct {
	Nonce     string `json:"nonce"`
	TxHash    string `json:"tx_hash"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	TokenID   string `json:"token_id"`
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
}

// VerifiedReceipt is the proof of payment handed to the billing path.
type VerifiedReceipt struct {
	Nonce         string    `json:"nonce"`
	TxHash        string    `json:"tx_hash"`
	AmountMicro   int64     `json:"amount_micro"`
	Recipient     string    `json:"recipient"`
	BlockNumber   uint64    `json:"block_number"`
	Confirmations uint64    `json:"confirmations"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// VerifierConfig holds the verification policy.
type VerifierConfig struct {
	Secret           []byte
	PreviousSecret   []byte // rotation grace; empty disables the fallback
	TokenContract    common.Address
	MinConfirmations uint64
}

// Verifier runs the ordered verification pipeline. The order is load
// bearing: challenge-local checks (1-5) run before any chain access
// (6-9), and the replay marker is only written by the final atomic step
// (10), so a rejected verification never consumes anything.
type Verifier struct {
	store   statestore.Store
	chain   ChainReader
	journal *wal.WAL
	cfg     VerifierConfig
	now     func() time.Time
}

// NewVerifier builds a verifier. journal may be nil; audit records are
// then skipped.
func NewVerifier(store statestore.Store, chain ChainReader, journal *wal.WAL, cfg VerifierConfig) *Verifier {
	return &Verifier{store: store, chain: chain, journal: journal, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify runs the full pipeline and returns a receipt on success. Every
// outcome, accepted or rejected, is recorded in the journal before it is
// returned.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*VerifiedReceipt, error) {
	receipt, err := v.verify(ctx, req)
	v.audit(ctx, req, err)
	return receipt, err
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (*VerifiedReceipt, error) {
	// 1. Fetch the challenge by nonce.
	raw, ok, err := v.store.Get(ctx, challengeKey(req.Nonce))
	if err != nil {
		return nil, faults.Wrap(faults.NonceUnavailable, "fetch challenge", err)
	}
	if !ok {
		return nil, faults.Newf(faults.NonceNotFound, "challenge %s not found", req.Nonce)
	}
	var ch Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, faults.Wrap(faults.ChallengeCorrupt, "parse challenge", err)
	}

	// 2. HMAC, before trusting anything inside the challenge.
	if !ch.VerifyHMAC(v.cfg.Secret, v.cfg.PreviousSecret) {
		return nil, faults.New(faults.HMACInvalid, "challenge signature mismatch")
	}

	// 3. Expiry.
	if !v.now().Before(time.Unix(ch.Expiry, 0)) {
		return nil, faults.Newf(faults.ChallengeExpired, "challenge expired at %d", ch.Expiry)
	}

	// 4. The submitted request must be the one the challenge was issued for.
	if RequestBinding(req.TokenID, req.Model, req.MaxTokens) != ch.RequestBinding {
		return nil, faults.New(faults.BindingMismatch, "request does not match challenge binding")
	}

	// 5. Method and path, exact.
	if req.Method != ch.Method || req.Path != ch.Path {
		return nil, faults.Newf(faults.PathMismatch, "expected %s %s, got %s %s",
			ch.Method, ch.Path, req.Method, req.Path)
	}

	// 6. Only now touch the chain.
	txHash := common.HexToHash(req.TxHash)
	txReceipt, err := v.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err // already tx_not_found or rpc_unreachable
	}

	// 7. The transaction must have succeeded.
	if txReceipt.Status != types.ReceiptStatusSuccessful {
		return nil, faults.Newf(faults.TxReverted, "transaction %s reverted", req.TxHash)
	}

	// 8. Confirmation depth.
	head, err := v.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	txBlock := txReceipt.BlockNumber.Uint64()
	if head < txBlock {
		return nil, faults.Newf(faults.TxPending, "transaction %s ahead of head", req.TxHash)
	}
	confirmations := head - txBlock + 1
	if confirmations < v.cfg.MinConfirmations {
		return nil, faults.Newf(faults.TxPending, "transaction %s has %d of %d confirmations",
			req.TxHash, confirmations, v.cfg.MinConfirmations)
	}

	// 9. Exactly one matching Transfer. The sender is deliberately not
	// checked: smart-contract wallets and relayers pay on behalf of users.
	if err := v.matchTransfer(&ch, txReceipt); err != nil {
		return nil, err
	}

	// 10. Consume the nonce and register the tx hash atomically.
	reply, err := v.store.Eval(ctx, statestore.ScriptAtomicVerify,
		[]string{
			challengeKey(ch.Nonce),
			challengeKey(ch.Nonce) + ":consumed",
			"x402:replay:" + strings.ToLower(req.TxHash),
		},
		[]interface{}{int64(replayTTL / time.Second), strings.ToLower(req.TxHash)},
	)
	if err != nil {
		return nil, faults.Wrap(faults.NonceUnavailable, "atomic verify", err)
	}
	switch reply {
	case "SUCCESS":
	case "NONCE_NOT_FOUND":
		return nil, faults.New(faults.ChallengeExpired, "challenge expired during verification")
	case "REPLAY_DETECTED":
		return nil, faults.Newf(faults.ReplayDetected, "transaction %s already consumed", req.TxHash)
	case "RACE_LOST":
		return nil, faults.New(faults.RaceLost, "concurrent verification in progress")
	default:
		return nil, faults.Newf(faults.NonceUnavailable, "unexpected verify reply %v", reply)
	}

	return &VerifiedReceipt{
		Nonce:         ch.Nonce,
		TxHash:        strings.ToLower(req.TxHash),
		AmountMicro:   ch.AmountMicro,
		Recipient:     ch.Recipient,
		BlockNumber:   txBlock,
		Confirmations: confirmations,
		VerifiedAt:    v.now().UTC(),
	}, nil
}

// matchTransfer scans the receipt logs for exactly one Transfer from the
// expected token contract to the challenge recipient for the challenge
// amount.
func (v *Verifier) matchTransfer(ch *Challenge, receipt *types.Receipt) error {
	want := common.HexToAddress(ch.Recipient)
	amount := big.NewInt(ch.AmountMicro)
	matches := 0
	for _, lg := range receipt.Logs {
		if lg.Address != v.cfg.TokenContract {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != want {
			continue
		}
		if new(big.Int).SetBytes(lg.Data).Cmp(amount) != 0 {
			continue
		}
		matches++
	}
	if matches != 1 {
		return faults.Newf(faults.TransferNotFound,
			"expected exactly one transfer of %d to %s, found %d", ch.AmountMicro, ch.Recipient, matches)
	}
	return nil
}

func (v *Verifier) audit(ctx context.Context, req VerifyRequest, verr error) {
	if v.journal == nil {
		return
	}
	record := map[string]interface{}{
		"nonce":   req.Nonce,
		"tx_hash": strings.ToLower(req.TxHash),
		"outcome": "verified",
	}
	if verr != nil {
		record["outcome"] = string(faults.KindOf(verr))
	}
	data, _ := json.Marshal(record)
	if _, err := v.journal.Append(ctx, wal.OpAudit, "x402/verify/"+req.Nonce, data); err != nil {
		slog.Warn("x402: audit append failed", "nonce", req.Nonce, "err", err)
	}
}
