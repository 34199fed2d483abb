// Package idempotency provides the (trace, tool, args) result cache and
// the write-once nonce guard. The cache key canonicalizes arguments by
// recursively sorting object keys so semantically equal calls collide
// regardless of field order; array order is significant and preserved.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/statestore"
)

// DefaultTTL bounds how long a cached tool result is served.
const DefaultTTL = 120 * time.Second

const localBound = 1024

// Cache is a store-backed result cache with a bounded in-process mirror,
// so a store outage degrades to per-replica caching instead of none.
type Cache struct {
	store statestore.Store
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]localEntry
	order []string // insertion order, for eviction
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// New builds a cache over the given store. A nil store is allowed: the
// cache then runs purely in-process.
func New(store statestore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, local: make(map[string]localEntry)}
}

// StableKey derives the canonical cache key fragment for a tool call:
// sha256(toolName || canonical(args)), truncated to 32 hex chars.
func StableKey(tool string, args interface{}) string {
	sum := sha256.Sum256([]byte(tool + Canonicalize(args)))
	return hex.EncodeToString(sum[:])[:32]
}

func cacheKey(trace, tool string, args interface{}) string {
	return "idempotency:" + trace + ":" + StableKey(tool, args)
}

// Get returns the cached result for (trace, tool, args), if present.
func (c *Cache) Get(ctx context.Context, trace, tool string, args interface{}) (string, bool) {
	key := cacheKey(trace, tool, args)
	if c.store != nil {
		if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return v, true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.local, key)
		return "", false
	}
	return e.value, true
}

// Has reports presence without fetching.
func (c *Cache) Has(ctx context.Context, trace, tool string, args interface{}) bool {
	_, ok := c.Get(ctx, trace, tool, args)
	return ok
}

// Set records the result in the store and always mirrors it locally.
func (c *Cache) Set(ctx context.Context, trace, tool string, args interface{}, result string) error {
	key := cacheKey(trace, tool, args)

	c.mu.Lock()
	if _, exists := c.local[key]; !exists {
		c.order = append(c.order, key)
		for len(c.order) > localBound {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.local, evict)
		}
	}
	c.local[key] = localEntry{value: result, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	_, err := c.store.Set(ctx, key, result, statestore.SetOptions{TTL: c.ttl})
	return err
}

// NonceGuard is the write-once set used for HMAC nonce replay protection.
// Unlike the result cache it fails CLOSED: with no reachable store there
// is no safe way to guarantee at-most-once.
type NonceGuard struct {
	store statestore.Store
	ttl   time.Duration
}

// NewNonceGuard builds a guard; store may be nil, in which case every
// registration fails with nonce_unavailable.
func NewNonceGuard(store statestore.Store, ttl time.Duration) *NonceGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NonceGuard{store: store, ttl: ttl}
}

// Register claims (nonce, minute) exactly once. Returns false when the
// nonce was already claimed.
func (g *NonceGuard) Register(ctx context.Context, nonce string, minute int64) (bool, error) {
	if g.store == nil {
		return false, faults.New(faults.NonceUnavailable, "nonce guard has no store")
	}
	key := fmt.Sprintf("hmac:nonce:%s:%d", nonce, minute)
	ok, err := g.store.Set(ctx, key, "1", statestore.SetOptions{TTL: g.ttl, OnlyIfAbsent: true})
	if err != nil {
		return false, faults.Wrap(faults.NonceUnavailable, "nonce guard store error", err)
	}
	return ok, nil
}

// Canonicalize renders any JSON-shaped value with object keys sorted at
// every depth. Array order is preserved.
func Canonicalize(v interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, normalize(v))
	return sb.String()
}

// normalize round-trips through encoding/json so struct inputs and map
// inputs canonicalize identically.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		raw, _ := json.Marshal(t)
		sb.Write(raw)
	}
}
