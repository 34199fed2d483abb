// Package credits holds prepaid credit accounts and the per-reservation
// state machine: reserve moves balance from unlocked to reserved, finalize
// moves it to consumed, rollback returns it to unlocked, expiry parks it
// in expired. The quantity allocated + unlocked + reserved + consumed +
// expired never changes after the initial grant; ConservationGuard checks
// that at any time.
//
// Exchange rates are frozen at reserve: the receipt carries the snapshot
// and finalize converts with it no matter what the live rate does in the
// meantime. Reserve rounds the credit amount up so the caller never
// underpays; commit and refund round the money amount down. Round-trip
// drift is therefore at most one micro-unit per conversion.
package credits

import (
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/metering/internal/faults"
)

// Decision is the routing outcome of a reserve attempt.
type Decision string

const (
	DecisionReserved      Decision = "reserved"
	DecisionCreditsLocked Decision = "credits_locked"
	DecisionFallbackUSDC  Decision = "fallback_usdc"
)

// ReservationStatus tracks a hold through its lifecycle.
type ReservationStatus string

const (
	StatusHeld     ReservationStatus = "HELD"
	StatusConsumed ReservationStatus = "CONSUMED"
	StatusReleased ReservationStatus = "RELEASED"
	StatusExpired  ReservationStatus = "EXPIRED"
)

// Rate is an exchange rate snapshot: NumMicro micro-USD buy DenCU credit
// units. Kept as a ratio so ceiling and floor are exact.
type Rate struct {
	NumMicro int64 `json:"num_micro"`
	DenCU    int64 `json:"den_cu"`
}

// Valid reports whether the rate can be used for conversion.
func (r Rate) Valid() bool { return r.NumMicro > 0 && r.DenCU > 0 }

// CUForMicro converts a micro-USD cost to credit units, rounding up.
func (r Rate) CUForMicro(micro int64) int64 {
	n := new(big.Int).Mul(big.NewInt(micro), big.NewInt(r.DenCU))
	q, rem := new(big.Int).QuoRem(n, big.NewInt(r.NumMicro), new(big.Int))
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// MicroForCU converts credit units back to micro-USD, rounding down.
func (r Rate) MicroForCU(cu int64) int64 {
	n := new(big.Int).Mul(big.NewInt(cu), big.NewInt(r.NumMicro))
	return new(big.Int).Quo(n, big.NewInt(r.DenCU)).Int64()
}

// Account is a wallet's credit balances, in credit units.
type Account struct {
	Wallet    string `json:"wallet"`
	Allocated int64  `json:"allocated"`
	Unlocked  int64  `json:"unlocked"`
	Reserved  int64  `json:"reserved"`
	Consumed  int64  `json:"consumed"`
	Expired   int64  `json:"expired"`

	grantTotal int64 // conserved quantity fixed at grant time
}

func (a *Account) total() int64 {
	return a.Allocated + a.Unlocked + a.Reserved + a.Consumed + a.Expired
}

// Reservation is a tentative hold awaiting finalize or rollback.
type Reservation struct {
	ID        string            `json:"id"`
	Wallet    string            `json:"wallet"`
	AmountCU  int64             `json:"amount_cu"`
	Rate      Rate              `json:"rate"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    ReservationStatus `json:"status"`
}

// CommitMicro is the money value of the hold at the frozen rate, floored.
func (r *Reservation) CommitMicro() int64 { return r.Rate.MicroForCU(r.AmountCU) }

// Ledger is the authoritative credit store. All balances live here;
// reservation receipts held by callers are claims against this state.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	reservations map[string]*Reservation
	logger       *log.Logger

	reservationTTL time.Duration
	liveRate       func() Rate
	now            func() time.Time
}

const defaultReservationTTL = 15 * time.Minute

// NewLedger builds an empty ledger. liveRate supplies the current
// exchange rate and is sampled once per reserve.
func NewLedger(liveRate func() Rate) *Ledger {
	return &Ledger{
		accounts:       make(map[string]*Account),
		reservations:   make(map[string]*Reservation),
		logger:         log.New(log.Writer(), "[CreditLedger] ", log.LstdFlags),
		reservationTTL: defaultReservationTTL,
		liveRate:       liveRate,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetReservationTTL overrides the default hold lifetime.
func (l *Ledger) SetReservationTTL(d time.Duration) { l.reservationTTL = d }

// Grant creates or tops up an account. Top-ups extend the conserved total.
func (l *Ledger) Grant(wallet string, allocated, unlocked int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[wallet]
	if !ok {
		acct = &Account{Wallet: wallet}
		l.accounts[wallet] = acct
	}
	acct.Allocated += allocated
	acct.Unlocked += unlocked
	acct.grantTotal += allocated + unlocked
	l.logger.Printf("granted wallet=%s allocated=+%d unlocked=+%d", wallet, allocated, unlocked)
}

// Unlock moves credits from allocated to unlocked, e.g. after a vesting
// event. Returns the amount actually moved.
func (l *Ledger) Unlock(wallet string, amount int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[wallet]
	if !ok {
		return 0
	}
	if amount > acct.Allocated {
		amount = acct.Allocated
	}
	acct.Allocated -= amount
	acct.Unlocked += amount
	return amount
}

// AccountSnapshot returns a copy of the wallet's balances.
func (l *Ledger) AccountSnapshot(wallet string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[wallet]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// ReserveCredits attempts to hold amountCU from the wallet's unlocked
// balance. The decision routes the caller: DecisionCreditsLocked means the
// wallet has credits but none are spendable yet, DecisionFallbackUSDC means
// this request should be paid on-chain instead.
func (l *Ledger) ReserveCredits(wallet string, amountCU int64) (*Reservation, Decision, error) {
	if amountCU <= 0 {
		return nil, "", faults.Newf(faults.BudgetInvalid, "reserve amount must be positive, got %d", amountCU)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[wallet]
	if ok && acct.Allocated > 0 && acct.Unlocked == 0 {
		return nil, DecisionCreditsLocked, nil
	}
	if !ok || acct.Unlocked+acct.Reserved+acct.Consumed == 0 || acct.Unlocked < amountCU {
		return nil, DecisionFallbackUSDC, nil
	}

	rate := l.liveRate()
	if !rate.Valid() {
		return nil, "", faults.New(faults.ConfigInvalid, "exchange rate unavailable")
	}

	now := l.now()
	res := &Reservation{
		ID:        fmt.Sprintf("rsv-%d-%s", now.UnixMilli(), uuid.New().String()[:8]),
		Wallet:    wallet,
		AmountCU:  amountCU,
		Rate:      rate,
		CreatedAt: now,
		ExpiresAt: now.Add(l.reservationTTL),
		Status:    StatusHeld,
	}
	acct.Unlocked -= amountCU
	acct.Reserved += amountCU
	l.reservations[res.ID] = res

	l.logger.Printf("reserved %d CU wallet=%s id=%s rate=%d/%d",
		amountCU, wallet, res.ID, rate.NumMicro, rate.DenCU)
	return res, DecisionReserved, nil
}

// ReserveForCost converts a micro-USD cost to credit units at the live
// rate (rounding up) and reserves that many.
func (l *Ledger) ReserveForCost(wallet string, costMicro int64) (*Reservation, Decision, error) {
	rate := l.liveRate()
	if !rate.Valid() {
		return nil, "", faults.New(faults.ConfigInvalid, "exchange rate unavailable")
	}
	return l.ReserveCredits(wallet, rate.CUForMicro(costMicro))
}

// Finalize moves a held reservation's amount from reserved to consumed
// and returns the committed money value at the frozen rate.
func (l *Ledger) Finalize(reservationID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return 0, faults.Newf(faults.ReservationNotFound, "reservation %s not found", reservationID)
	}
	if res.Status != StatusHeld {
		return 0, faults.Newf(faults.ReservationNotFound, "reservation %s already %s", reservationID, res.Status)
	}

	acct := l.accounts[res.Wallet]
	acct.Reserved -= res.AmountCU
	acct.Consumed += res.AmountCU
	res.Status = StatusConsumed

	micro := res.CommitMicro()
	l.logger.Printf("finalized id=%s wallet=%s amount=%d CU (%d micro)",
		reservationID, res.Wallet, res.AmountCU, micro)
	return micro, nil
}

// Rollback returns a held reservation's amount to unlocked. The refund
// money value (floored at the frozen rate) is returned for accounting.
func (l *Ledger) Rollback(reservationID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return 0, faults.Newf(faults.ReservationNotFound, "reservation %s not found", reservationID)
	}
	if res.Status != StatusHeld {
		return 0, faults.Newf(faults.ReservationNotFound, "reservation %s already %s", reservationID, res.Status)
	}

	acct := l.accounts[res.Wallet]
	acct.Reserved -= res.AmountCU
	acct.Unlocked += res.AmountCU
	res.Status = StatusReleased

	micro := res.CommitMicro()
	l.logger.Printf("rolled back id=%s wallet=%s amount=%d CU", reservationID, res.Wallet, res.AmountCU)
	return micro, nil
}

// ExpireStale marks held reservations past their deadline as expired and
// parks the amounts in the account's expired bucket. Returns the number
// expired.
func (l *Ledger) ExpireStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expired := 0
	for _, res := range l.reservations {
		if res.Status != StatusHeld || now.Before(res.ExpiresAt) {
			continue
		}
		acct := l.accounts[res.Wallet]
		acct.Reserved -= res.AmountCU
		acct.Expired += res.AmountCU
		res.Status = StatusExpired
		expired++
		l.logger.Printf("expired id=%s wallet=%s amount=%d CU (held since %s)",
			res.ID, res.Wallet, res.AmountCU, res.CreatedAt.Format(time.RFC3339))
	}
	return expired
}

// OutstandingReservations returns copies of all held reservations.
func (l *Ledger) OutstandingReservations() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Reservation
	for _, res := range l.reservations {
		if res.Status == StatusHeld {
			out = append(out, *res)
		}
	}
	return out
}

// ConservationError describes a broken invariant found by the guard.
type ConservationError struct {
	Wallet   string
	Expected int64
	Actual   int64
	Detail   string
}

func (e ConservationError) Error() string {
	return fmt.Sprintf("conservation violated for %s: %s (expected %d, got %d)",
		e.Wallet, e.Detail, e.Expected, e.Actual)
}

// ConservationGuard verifies, for every account, that the balance sum
// matches the granted total and that reserved equals the sum of
// outstanding holds. Safe to run at any time.
func (l *Ledger) ConservationGuard() []ConservationError {
	l.mu.Lock()
	defer l.mu.Unlock()

	heldByWallet := make(map[string]int64)
	for _, res := range l.reservations {
		if res.Status == StatusHeld {
			heldByWallet[res.Wallet] += res.AmountCU
		}
	}

	var violations []ConservationError
	for wallet, acct := range l.accounts {
		if got := acct.total(); got != acct.grantTotal {
			violations = append(violations, ConservationError{
				Wallet: wallet, Expected: acct.grantTotal, Actual: got,
				Detail: "balance sum drifted from granted total",
			})
		}
		if acct.Reserved != heldByWallet[wallet] {
			violations = append(violations, ConservationError{
				Wallet: wallet, Expected: heldByWallet[wallet], Actual: acct.Reserved,
				Detail: "reserved does not match outstanding holds",
			})
		}
	}
	return violations
}
