package statestore

// The substrate ships exactly four server-side scripts. They are fixed
// string constants; nothing synthesizes scripts at runtime. Each script's
// contract is documented here and mirrored natively by MemoryStore.

// ScriptAtomicCostCommit commits a cost against a tenant budget exactly
// once per idempotency key.
//
//	KEYS[1] budget counter        (budget:{tenant}:spent_micro)
//	KEYS[2] idempotency key       (idem:{key})
//	KEYS[3] headroom counter      (budget:{tenant}:headroom_micro)
//	ARGV[1] cost, integer string, micro-USD
//	ARGV[2] idempotency value (cached cost)
//	ARGV[3] reconciliation status ("OK" or "FAIL_OPEN")
//	ARGV[4] idempotency TTL, seconds
//
// Returns {"duplicate", cached} when the idempotency key already exists,
// otherwise {"new", new_budget} after incrementing the budget, setting the
// idempotency key, and (when FAIL_OPEN) decrementing headroom.
const ScriptAtomicCostCommit = `
local cached = redis.call('GET', KEYS[2])
if cached then
  return {'duplicate', cached}
end
local budget = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'EX', tonumber(ARGV[4]))
if ARGV[3] == 'FAIL_OPEN' then
  redis.call('DECRBY', KEYS[3], ARGV[1])
end
return {'new', tostring(budget)}
`

// ScriptAtomicVerify consumes an x402 challenge nonce and registers the
// paying transaction in the replay set, all-or-nothing.
//
//	KEYS[1] challenge key   (x402:challenge:{nonce})
//	KEYS[2] consumed marker (x402:challenge:{nonce}:consumed)
//	KEYS[3] replay key      (x402:replay:{txHash})
//	ARGV[1] replay TTL, seconds
//	ARGV[2] tx hash
//
// Returns one of NONCE_NOT_FOUND, RACE_LOST, REPLAY_DETECTED, SUCCESS.
const ScriptAtomicVerify = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'NONCE_NOT_FOUND'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'RACE_LOST'
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 'REPLAY_DETECTED'
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', tonumber(ARGV[1]))
redis.call('SET', KEYS[3], '1', 'EX', tonumber(ARGV[1]))
redis.call('DEL', KEYS[1])
return 'SUCCESS'
`

// ScriptRPMAdmit is the sliding-window requests-per-minute admission.
//
//	KEYS[1] sorted set      (rate:{provider}:{model}:rpm)
//	ARGV[1] now, unix milliseconds
//	ARGV[2] limit
//	ARGV[3] fresh unique member
//	ARGV[4] window, milliseconds
//	ARGV[5] key TTL, seconds (one window plus slack)
//
// Returns 1 when admitted, 0 when over the limit.
const ScriptRPMAdmit = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[4]))
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return 1
`

// ScriptTPMAdmit is the two-window weighted tokens-per-minute admission.
//
//	KEYS[1] current-minute hash  (rate:{provider}:{model}:tpm:{minute})
//	KEYS[2] previous-minute hash (rate:{provider}:{model}:tpm:{minute-1})
//	ARGV[1] requested tokens
//	ARGV[2] limit
//	ARGV[3] elapsed seconds into the current minute
//	ARGV[4] second bucket field inside the current hash
//	ARGV[5] key TTL, seconds
//
// effective = sum(previous) * (1 - elapsed/60) + sum(current).
// Returns 1 (and increments the current bucket) when
// effective + tokens <= limit, else 0.
const ScriptTPMAdmit = `
local function total(key)
  local vals = redis.call('HVALS', key)
  local s = 0
  for i = 1, #vals do
    s = s + tonumber(vals[i])
  end
  return s
end
local prev = total(KEYS[2])
local cur = total(KEYS[1])
local elapsed = tonumber(ARGV[3])
local effective = prev * (1 - elapsed / 60) + cur
if effective + tonumber(ARGV[1]) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[4], tonumber(ARGV[1]))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return 1
`
