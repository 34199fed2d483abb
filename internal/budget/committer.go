// Package budget implements the write-ahead cost commit protocol: journal
// to the tenant ledger first, then atomically commit to the state store
// under an idempotency key. A store failure after the journal write is
// never an error but a recovery obligation, discharged by
// RecoverFromJournal which recomputes the authoritative counter from the
// ledger.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/metering/internal/dlq"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/ledger"
	"github.com/ocx/metering/internal/statestore"
)

// ReconStatus tags how the entry's cost was reconciled upstream.
// FAIL_OPEN marks charges admitted while the rate limiter or balance
// check was unreachable; those additionally burn headroom.
type ReconStatus string

const (
	ReconOK       ReconStatus = "OK"
	ReconFailOpen ReconStatus = "FAIL_OPEN"
)

// IdempotencyTTL is how long a commit's idempotency key dedups retries.
const IdempotencyTTL = 24 * time.Hour

// Key builders for the store keyspace.
func SpentKey(tenant string) string    { return "budget:" + tenant + ":spent_micro" }
func HeadroomKey(tenant string) string { return "budget:" + tenant + ":headroom_micro" }
func IdemKey(key string) string        { return "idem:" + key }

// Result reports what RecordCost accomplished.
type Result struct {
	JournalWritten bool   `json:"journal_written"`
	StoreCommitted bool   `json:"store_committed"`
	Duplicate      bool   `json:"duplicate"`
	CostMicro      string `json:"cost_micro"`             // cached cost on duplicate, else the charged cost
	BudgetMicro    string `json:"budget_micro,omitempty"` // tenant total after a fresh commit
}

// Committer binds the ledger and store halves of the protocol.
type Committer struct {
	journal *ledger.Ledger
	store   statestore.Store

	dead        *dlq.Store
	deadBackoff time.Duration
}

// New builds a committer. The store may be nil (journal-only mode); every
// commit then leaves a recovery obligation.
func New(journal *ledger.Ledger, store statestore.Store) *Committer {
	return &Committer{journal: journal, store: store}
}

// SetDeadLetter attaches a dead-letter store. A commit whose store half
// cannot be applied is then enqueued for replay, due after firstBackoff,
// instead of waiting for an operator-driven recovery.
func (c *Committer) SetDeadLetter(d *dlq.Store, firstBackoff time.Duration) {
	c.dead = d
	c.deadBackoff = firstBackoff
}

// RecordCost runs the protocol in strict order:
//  1. validate the cost;
//  2. append to the ledger; failure aborts with journal_failed so a
//     store update can never exist without a journal entry;
//  3. with the store down, report journalWritten without error;
//  4. otherwise run atomicCostCommit; a duplicate idempotency key
//     returns the cached cost and charges nothing.
func (c *Committer) RecordCost(ctx context.Context, tenant string, e *ledger.Entry, idempotencyKey string, recon ReconStatus) (Result, error) {
	var res Result
	if !ledger.IsDecimalMicro(e.TotalCostMicro) {
		return res, faults.Newf(faults.BudgetInvalid, "total_cost_micro %q is not a non-negative decimal integer", e.TotalCostMicro)
	}
	if idempotencyKey == "" {
		return res, faults.New(faults.BudgetInvalid, "idempotency key is required")
	}

	if err := c.journal.Append(ctx, tenant, e); err != nil {
		return res, faults.Wrap(faults.JournalFailed, "budget: journal append", err)
	}
	res.JournalWritten = true
	res.CostMicro = e.TotalCostMicro

	if c.store == nil {
		return res, nil
	}

	reply, err := c.store.Eval(ctx, statestore.ScriptAtomicCostCommit,
		[]string{SpentKey(tenant), IdemKey(idempotencyKey), HeadroomKey(tenant)},
		[]interface{}{e.TotalCostMicro, e.TotalCostMicro, string(recon), int64(IdempotencyTTL / time.Second)},
	)
	if err != nil {
		// Journal already has the entry; the dead letter (or, failing
		// that, journal-driven recovery) reconciles the counter.
		slog.Warn("budget: store commit dead-lettered", "tenant", tenant, "trace", e.TraceID, "err", err)
		c.deadLetter(ctx, tenant, e, idempotencyKey, recon, "store_commit_failed")
		return res, nil
	}

	status, value, perr := parseCommitReply(reply)
	if perr != nil {
		slog.Warn("budget: unparseable commit reply", "tenant", tenant, "err", perr)
		c.deadLetter(ctx, tenant, e, idempotencyKey, recon, "commit_reply_unparseable")
		return res, nil
	}
	res.StoreCommitted = true
	if status == "duplicate" {
		res.Duplicate = true
		res.CostMicro = value
	} else {
		res.BudgetMicro = value
	}
	return res, nil
}

// deadLetter enqueues a failed store commit for replay. The dead-letter
// store shares the state store with the commit that just failed, so the
// enqueue can fail for the same reason; the journal entry still makes
// RecoverFromJournal sufficient on its own.
func (c *Committer) deadLetter(ctx context.Context, tenant string, e *ledger.Entry, idempotencyKey string, recon ReconStatus, reason string) {
	if c.dead == nil {
		return
	}
	err := c.dead.Enqueue(ctx, dlq.Entry{
		ReservationID:   idempotencyKey,
		Tenant:          tenant,
		ActualCostMicro: e.TotalCostMicro,
		TraceID:         e.TraceID,
		IdempotencyKey:  idempotencyKey,
		Recon:           string(recon),
		Reason:          reason,
	}, c.deadBackoff)
	if err != nil {
		slog.Warn("budget: dead-letter enqueue failed", "tenant", tenant, "trace", e.TraceID, "err", err)
	}
}

// ReplayCommit re-runs only the store half of the protocol for an
// entry the journal already holds. The dead-letter worker calls this;
// unlike RecordCost, a store failure here is an error so the caller
// can reschedule. The original idempotency key makes double replays
// free.
func (c *Committer) ReplayCommit(ctx context.Context, tenant, idempotencyKey, costMicro string, recon ReconStatus) (Result, error) {
	var res Result
	if !ledger.IsDecimalMicro(costMicro) {
		return res, faults.Newf(faults.BudgetInvalid, "cost_micro %q is not a non-negative decimal integer", costMicro)
	}
	if idempotencyKey == "" {
		return res, faults.New(faults.BudgetInvalid, "idempotency key is required")
	}
	res.JournalWritten = true // by definition of a replay
	res.CostMicro = costMicro

	if c.store == nil {
		return res, faults.New(faults.IO, "budget: no store to replay against")
	}
	reply, err := c.store.Eval(ctx, statestore.ScriptAtomicCostCommit,
		[]string{SpentKey(tenant), IdemKey(idempotencyKey), HeadroomKey(tenant)},
		[]interface{}{costMicro, costMicro, string(recon), int64(IdempotencyTTL / time.Second)},
	)
	if err != nil {
		return res, faults.Wrap(faults.IO, "budget: replay commit", err)
	}
	status, value, perr := parseCommitReply(reply)
	if perr != nil {
		return res, faults.Wrap(faults.IO, "budget: replay commit reply", perr)
	}
	res.StoreCommitted = true
	if status == "duplicate" {
		res.Duplicate = true
		res.CostMicro = value
	} else {
		res.BudgetMicro = value
	}
	return res, nil
}

// RecoveryReport summarizes a journal-driven reconciliation.
type RecoveryReport struct {
	Recovery  ledger.RecoveryStats  `json:"recovery"`
	Recompute ledger.RecomputeStats `json:"recompute"`
	StoreSet  bool                  `json:"store_set"`
}

// RecoverFromJournal repairs the journal, recomputes the deduplicated
// total, and overwrites (SET, not increment) the authoritative spent
// counter.
func (c *Committer) RecoverFromJournal(ctx context.Context, tenant string) (RecoveryReport, error) {
	var report RecoveryReport

	rec, err := c.journal.Recover(ctx, tenant)
	if err != nil {
		return report, err
	}
	report.Recovery = rec

	sum, err := c.journal.Recompute(ctx, tenant)
	if err != nil {
		return report, err
	}
	report.Recompute = sum

	if c.store == nil {
		return report, nil
	}
	if _, err := c.store.Set(ctx, SpentKey(tenant), sum.TotalCostMicro, statestore.SetOptions{}); err != nil {
		return report, faults.Wrap(faults.IO, "budget: set recomputed counter", err)
	}
	report.StoreSet = true
	slog.Info("budget: counter reconciled from journal", "tenant", tenant, "spent_micro", sum.TotalCostMicro)
	return report, nil
}

func parseCommitReply(reply interface{}) (status, value string, err error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) != 2 {
		return "", "", fmt.Errorf("expected 2-element reply, got %T", reply)
	}
	s, ok1 := arr[0].(string)
	v, ok2 := arr[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("non-string reply elements")
	}
	return s, v, nil
}
