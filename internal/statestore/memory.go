package statestore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback store. It mirrors the semantics
// of the Redis backend, including native execution of the four fixed
// scripts under a single mutex, so the atomicity contract holds within a
// replica. Cross-replica atomicity obviously does not; main.go logs a
// loud warning when this backend is selected in production.
type MemoryStore struct {
	mu      sync.Mutex
	kv      map[string]memEntry
	hashes  map[string]map[string]int64
	zsets   map[string]map[string]float64
	zexpiry map[string]time.Time
	now     func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:      make(map[string]memEntry),
		hashes:  make(map[string]map[string]int64),
		zsets:   make(map[string]map[string]float64),
		zexpiry: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this to step TTLs and
// rate windows deterministically.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryStore) getLocked(key string) (string, bool) {
	e, ok := s.kv[key]
	if !ok || s.expired(e) {
		delete(s.kv, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.OnlyIfAbsent {
		if _, exists := s.getLocked(key); exists {
			return false, nil
		}
	}
	s.setLocked(key, value, opts.TTL)
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.hashes, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrByLocked(key, delta)
}

func (s *MemoryStore) incrByLocked(key string, delta int64) (int64, error) {
	cur := int64(0)
	if v, ok := s.getLocked(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incrby %s: existing value not an integer", key)
		}
		cur = n
	}
	cur += delta
	// Preserve any existing expiry.
	e := s.kv[key]
	e.value = strconv.FormatInt(cur, 10)
	s.kv[key] = e
	return cur, nil
}

func (s *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for f, v := range s.hashes[key] {
		out[f] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (s *MemoryStore) SortedSetAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, score, member)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, member string) {
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
}

func (s *MemoryStore) SortedSetCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) SortedSetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *MemoryStore) SortedSetRemoveByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zremRangeLocked(key, min, max)
	return nil
}

func (s *MemoryStore) zremRangeLocked(key string, min, max float64) {
	for m, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], m)
		}
	}
}

func (s *MemoryStore) SortedSetRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, score := range s.zsets[key] {
		if score >= min && score <= max {
			pairs = append(pairs, pair{m, score})
		}
	}
	// Insertion sort by score; sets here are small.
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].score < pairs[j-1].score; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	var out []string
	for _, p := range pairs {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, p.member)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Eval dispatches on the known script constants and executes their
// semantics under the store mutex. Unknown scripts are an error: the
// substrate ships exactly four and never synthesizes more.
func (s *MemoryStore) Eval(_ context.Context, script string, keys []string, args []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch script {
	case ScriptAtomicCostCommit:
		return s.evalCostCommit(keys, args)
	case ScriptAtomicVerify:
		return s.evalVerify(keys, args)
	case ScriptRPMAdmit:
		return s.evalRPMAdmit(keys, args)
	case ScriptTPMAdmit:
		return s.evalTPMAdmit(keys, args)
	}
	return nil, fmt.Errorf("unknown script")
}

func (s *MemoryStore) evalCostCommit(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 3 || len(args) != 4 {
		return nil, fmt.Errorf("atomicCostCommit: bad arity")
	}
	budgetKey, idemKey, headroomKey := keys[0], keys[1], keys[2]
	cost, err := strconv.ParseInt(argString(args[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("atomicCostCommit: cost not an integer")
	}
	if cached, ok := s.getLocked(idemKey); ok {
		return []interface{}{"duplicate", cached}, nil
	}
	budget, err := s.incrByLocked(budgetKey, cost)
	if err != nil {
		return nil, err
	}
	ttlSec, _ := strconv.ParseInt(argString(args[3]), 10, 64)
	s.setLocked(idemKey, argString(args[1]), time.Duration(ttlSec)*time.Second)
	if argString(args[2]) == "FAIL_OPEN" {
		if _, err := s.incrByLocked(headroomKey, -cost); err != nil {
			return nil, err
		}
	}
	return []interface{}{"new", strconv.FormatInt(budget, 10)}, nil
}

func (s *MemoryStore) evalVerify(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 3 || len(args) != 2 {
		return nil, fmt.Errorf("atomicVerify: bad arity")
	}
	challengeKey, consumedKey, replayKey := keys[0], keys[1], keys[2]
	if _, ok := s.getLocked(challengeKey); !ok {
		return "NONCE_NOT_FOUND", nil
	}
	if _, ok := s.getLocked(consumedKey); ok {
		return "RACE_LOST", nil
	}
	if _, ok := s.getLocked(replayKey); ok {
		return "REPLAY_DETECTED", nil
	}
	ttlSec, _ := strconv.ParseInt(argString(args[0]), 10, 64)
	ttl := time.Duration(ttlSec) * time.Second
	s.setLocked(consumedKey, argString(args[1]), ttl)
	s.setLocked(replayKey, "1", ttl)
	delete(s.kv, challengeKey)
	return "SUCCESS", nil
}

func (s *MemoryStore) evalRPMAdmit(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 1 || len(args) != 5 {
		return nil, fmt.Errorf("rpmAdmit: bad arity")
	}
	key := keys[0]
	nowMS, _ := strconv.ParseInt(argString(args[0]), 10, 64)
	limit, _ := strconv.ParseInt(argString(args[1]), 10, 64)
	member := argString(args[2])
	windowMS, _ := strconv.ParseInt(argString(args[3]), 10, 64)

	s.zremRangeLocked(key, 0, float64(nowMS-windowMS))
	if int64(len(s.zsets[key])) >= limit {
		return int64(0), nil
	}
	s.zaddLocked(key, float64(nowMS), member)
	return int64(1), nil
}

func (s *MemoryStore) evalTPMAdmit(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 2 || len(args) != 5 {
		return nil, fmt.Errorf("tpmAdmit: bad arity")
	}
	curKey, prevKey := keys[0], keys[1]
	tokens, _ := strconv.ParseInt(argString(args[0]), 10, 64)
	limit, _ := strconv.ParseInt(argString(args[1]), 10, 64)
	elapsed, _ := strconv.ParseFloat(argString(args[2]), 64)
	bucket := argString(args[3])

	sum := func(key string) int64 {
		var s2 int64
		for _, v := range s.hashes[key] {
			s2 += v
		}
		return s2
	}
	effective := float64(sum(prevKey))*(1-elapsed/60) + float64(sum(curKey))
	if effective+float64(tokens) > float64(limit) {
		return int64(0), nil
	}
	h, ok := s.hashes[curKey]
	if !ok {
		h = make(map[string]int64)
		s.hashes[curKey] = h
	}
	h[bucket] += tokens
	return int64(1), nil
}

func argString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
