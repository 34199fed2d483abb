// Package statestore abstracts the ordered key-value store that serializes
// every atomic multi-key operation in the substrate (budget commits, nonce
// consumption, rate admission). The production backend is Redis via
// go-redis; an in-process store with identical script semantics backs
// tests and degraded single-node operation.
//
// Policy: multi-key operations outside Eval are NOT atomic. Anything that
// must be atomic against concurrent clients goes through one of the fixed
// scripts in scripts.go.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers decide per subsystem whether to fail open (rate limiter) or
// closed (nonce guard).
var ErrUnavailable = errors.New("state store unavailable")

// SetOptions controls Set behavior.
type SetOptions struct {
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration
	// OnlyIfAbsent makes the write conditional (SET NX).
	OnlyIfAbsent bool
}

// Store is the minimal surface the substrate needs. Implementations must
// make Eval atomic with respect to concurrent clients for the scripts in
// scripts.go.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set returns false when OnlyIfAbsent was requested and the key existed.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetCard(ctx context.Context, key string) (int64, error)
	SortedSetRemove(ctx context.Context, key string, members ...string) error
	SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) error
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)

	Eval(ctx context.Context, script string, keys []string, args []interface{}) (interface{}, error)

	Ping(ctx context.Context) error
}
