// Package dlq is the dead-letter store for billing commits that
// ultimately could not land. Entries wait in the state store keyed by
// reservation id; a replay worker claims ready entries under an
// exclusive lease and retries them against the billing path, moving
// permanent failures to a poison partition for operator review.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
)

const (
	readyKey        = "dlq:ready"
	poisonKey       = "dlq:poison"
	entryKeyPrefix  = "dlq:entry:"
	leaseKeyPrefix  = "dlq:lease:"
	defaultLeaseTTL = 2 * time.Minute
)

// Entry is one failed billing commit awaiting replay. IdempotencyKey
// is the key the original commit would have written; replaying under
// it makes a commit that actually landed before dead-lettering a
// duplicate no-op instead of a double charge.
type Entry struct {
	ReservationID   string `json:"reservation_id"`
	Tenant          string `json:"tenant"`
	ActualCostMicro string `json:"actual_cost_micro"`
	TraceID         string `json:"trace_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	Recon           string `json:"recon,omitempty"`
	Reason          string `json:"reason"`
	ResponseStatus  int    `json:"response_status"`
	AttemptCount    int    `json:"attempt_count"`
	NextAttemptAt   int64  `json:"next_attempt_at"`
	CreatedAt       int64  `json:"created_at"`
}

// Store reads and writes dead letters.
type Store struct {
	store statestore.Store
	now   func() time.Time
}

// NewStore wraps the state store.
func NewStore(store statestore.Store) *Store {
	return &Store{store: store, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Enqueue adds or refreshes a dead letter. The first attempt is due
// after the given backoff.
func (s *Store) Enqueue(ctx context.Context, e Entry, backoff time.Duration) error {
	now := s.now()
	if e.CreatedAt == 0 {
		e.CreatedAt = now.Unix()
	}
	e.NextAttemptAt = now.Add(backoff).Unix()

	raw, err := json.Marshal(&e)
	if err != nil {
		return faults.Wrap(faults.IO, "marshal dead letter", err)
	}
	if _, err := s.store.Set(ctx, entryKeyPrefix+e.ReservationID, string(raw), statestore.SetOptions{}); err != nil {
		return faults.Wrap(faults.DLQEnqueued, "store dead letter", err)
	}
	if err := s.store.SortedSetAdd(ctx, readyKey, float64(e.NextAttemptAt), e.ReservationID); err != nil {
		return faults.Wrap(faults.DLQEnqueued, "index dead letter", err)
	}
	return nil
}

// Ready returns ids whose next attempt is due, oldest first.
func (s *Store) Ready(ctx context.Context, limit int64) ([]string, error) {
	return s.store.SortedSetRangeByScore(ctx, readyKey, 0, float64(s.now().Unix()), limit)
}

// Get loads one dead letter.
func (s *Store) Get(ctx context.Context, reservationID string) (*Entry, error) {
	raw, ok, err := s.store.Get(ctx, entryKeyPrefix+reservationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, faults.Wrap(faults.IO, "parse dead letter", err)
	}
	return &e, nil
}

// Lease takes the exclusive replay lease for an entry. Returns false
// when another worker holds it.
func (s *Store) Lease(ctx context.Context, reservationID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return s.store.Set(ctx, leaseKeyPrefix+reservationID, workerID,
		statestore.SetOptions{TTL: ttl, OnlyIfAbsent: true})
}

// Unlease drops the replay lease.
func (s *Store) Unlease(ctx context.Context, reservationID string) error {
	return s.store.Del(ctx, leaseKeyPrefix+reservationID)
}

// Resolve removes a successfully replayed entry.
func (s *Store) Resolve(ctx context.Context, reservationID string) error {
	if err := s.store.SortedSetRemove(ctx, readyKey, reservationID); err != nil {
		return err
	}
	return s.store.Del(ctx, entryKeyPrefix+reservationID)
}

// Reschedule bumps the attempt count and pushes the next attempt out.
func (s *Store) Reschedule(ctx context.Context, e *Entry, backoff time.Duration) error {
	e.AttemptCount++
	return s.Enqueue(ctx, *e, backoff)
}

// Poison moves an entry to the terminal partition.
func (s *Store) Poison(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return faults.Wrap(faults.IO, "marshal poison entry", err)
	}
	if err := s.store.SortedSetAdd(ctx, poisonKey, float64(s.now().Unix()), string(raw)); err != nil {
		return err
	}
	return s.Resolve(ctx, e.ReservationID)
}

// Health is the queue's operator view. Pointer fields are nil when the
// backing store is unreachable; health reporting never fails.
type Health struct {
	Depth           *int64 `json:"depth"`
	PoisonDepth     *int64 `json:"poison_depth"`
	OldestAgeSecond *int64 `json:"oldest_age_seconds"`
}

// Health reports depth and age of the oldest entry, or nulls when the
// store is down.
func (s *Store) Health(ctx context.Context) Health {
	var h Health
	depth, err := s.store.SortedSetCard(ctx, readyKey)
	if err != nil {
		return h
	}
	h.Depth = &depth

	if poison, err := s.store.SortedSetCard(ctx, poisonKey); err == nil {
		h.PoisonDepth = &poison
	}

	ids, err := s.store.SortedSetRangeByScore(ctx, readyKey, 0, float64(s.now().Add(365*24*time.Hour).Unix()), 1)
	if err != nil || len(ids) == 0 {
		return h
	}
	if e, err := s.Get(ctx, ids[0]); err == nil && e != nil {
		age := s.now().Unix() - e.CreatedAt
		h.OldestAgeSecond = &age
	}
	return h
}
