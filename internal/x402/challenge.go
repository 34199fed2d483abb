// Package x402 implements HTTP 402 payment challenges and their on-chain
// verification. A challenge binds a nonce to the request that provoked it
// (token, model, max_tokens, method, path) and to the payment the caller
// must make (recipient, amount). Verification checks the challenge before
// it ever touches the chain, so a forged challenge can never trigger an
// RPC call or poison the replay set.
package x402

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
)

// ChallengeTTL is how long an issued challenge stays redeemable.
const ChallengeTTL = 300 * time.Second

// Challenge is the payment demand returned with a 402. AmountMicro is in
// micro-USDC, which is the token's base unit.
type Challenge struct {
	Nonce          string `json:"nonce"`
	Recipient      string `json:"recipient"`
	AmountMicro    int64  `json:"amount_micro"`
	RequestBinding string `json:"request_binding"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	Expiry         int64  `json:"expiry"`
	HMAC           string `json:"hmac"`
}

// canonical is the exact byte string the HMAC covers. Field order is part
// of the format; changing it invalidates every outstanding challenge.
func (c *Challenge) canonical() string {
	return strings.Join([]string{
		c.Nonce,
		c.Recipient,
		fmt.Sprintf("%d", c.AmountMicro),
		c.RequestBinding,
		c.Method,
		c.Path,
		fmt.Sprintf("%d", c.Expiry),
	}, "|")
}

// Sign computes the challenge HMAC with the given secret.
func (c *Challenge) Sign(secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(c.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks the signature against the current secret, falling
// back to the previous secret so rotation does not strand live
// challenges.
func (c *Challenge) VerifyHMAC(secret, previous []byte) bool {
	want := c.HMAC
	if hmac.Equal([]byte(c.Sign(secret)), []byte(want)) {
		return true
	}
	if len(previous) > 0 && hmac.Equal([]byte(c.Sign(previous)), []byte(want)) {
		return true
	}
	return false
}

// RequestBinding ties a challenge to the request that provoked it.
func RequestBinding(tokenID, model string, maxTokens int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", tokenID, model, maxTokens)))
	return hex.EncodeToString(sum[:])
}

func challengeKey(nonce string) string { return "x402:challenge:" + nonce }

// Issuer mints challenges and parks them in the state store until they
// are redeemed or expire.
type Issuer struct {
	store     statestore.Store
	secret    []byte
	recipient string
	now       func() time.Time
}

// NewIssuer builds an issuer. recipient is the treasury address payments
// must land at.
func NewIssuer(store statestore.Store, secret []byte, recipient string) *Issuer {
	return &Issuer{store: store, secret: secret, recipient: recipient, now: time.Now}
}

// SetClock overrides the time source for tests.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Issue mints a challenge for the given request and stores it under its
// nonce with the standard TTL.
func (i *Issuer) Issue(ctx context.Context, method, path string, amountMicro int64, tokenID, model string, maxTokens int64) (*Challenge, error) {
	if amountMicro <= 0 {
		return nil, faults.Newf(faults.BudgetInvalid, "challenge amount must be positive, got %d", amountMicro)
	}

	c := &Challenge{
		Nonce:          uuid.New().String(),
		Recipient:      i.recipient,
		AmountMicro:    amountMicro,
		RequestBinding: RequestBinding(tokenID, model, maxTokens),
		Method:         method,
		Path:           path,
		Expiry:         i.now().Add(ChallengeTTL).Unix(),
	}
	c.HMAC = c.Sign(i.secret)

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, faults.Wrap(faults.IO, "marshal challenge", err)
	}
	if _, err := i.store.Set(ctx, challengeKey(c.Nonce), string(raw), statestore.SetOptions{TTL: ChallengeTTL}); err != nil {
		return nil, faults.Wrap(faults.NonceUnavailable, "store challenge", err)
	}
	return c, nil
}
