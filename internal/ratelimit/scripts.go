package ratelimit

import "github.com/redis/go-redis/v9"

// Every strategy runs its full read-modify-write as one server-side
// script, so concurrent gateway instances never race on the counter.
// Time is always passed in as ARGV; scripts never read the server
// clock. All scripts return {allowed, remaining, retry_after_ms,
// reset_unix_ms}.

// tokenBucketScript: refill by elapsed time up to capacity, spend one
// token when available. Both outcomes persist state and refresh TTL.
// KEYS[1] bucket hash. ARGV: now_ms, capacity, refill_per_sec, ttl_ms.
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now
end

tokens = tokens + (now - last) / 1000 * rate
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', now)
redis.call('PEXPIRE', KEYS[1], ttl)

local reset = now + math.ceil((capacity - tokens) / rate * 1000)
return {allowed, math.floor(tokens), retry, reset}
`)

// leakyBucketScript: drain by elapsed time, admit while the queue has
// room. Smooths bursts to the leak rate.
// KEYS[1] bucket hash. ARGV: now_ms, capacity, leak_per_sec, ttl_ms.
var leakyBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'queue_size', 'last_leak')
local queue = tonumber(state[1])
local last = tonumber(state[2])
if queue == nil then
  queue = 0
  last = now
end

queue = queue - (now - last) / 1000 * rate
if queue < 0 then
  queue = 0
end

local allowed = 0
local retry = 0
if queue < capacity then
  queue = queue + 1
  allowed = 1
else
  retry = math.ceil((queue - capacity + 1) / rate * 1000)
end

redis.call('HMSET', KEYS[1], 'queue_size', tostring(queue), 'last_leak', now)
redis.call('PEXPIRE', KEYS[1], ttl)

local remaining = math.floor(capacity - queue)
if remaining < 0 then
  remaining = 0
end
local reset = now + math.ceil(queue / rate * 1000)
return {allowed, remaining, retry, reset}
`)

// fixedWindowScript: integer counter per window bucket; the first
// increment sets the TTL.
// KEYS[1] counter (bucket in the key). ARGV: capacity, window_ms,
// window_end_ms, now_ms.
var fixedWindowScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local window_end = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= capacity then
  return {0, 0, window_end - now, window_end}
end

count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {1, capacity - count, 0, window_end}
`)

// slidingWindowScript: weighted count over the current and previous
// fixed windows.
// KEYS[1] current window counter, KEYS[2] previous window counter.
// ARGV: capacity, window_ms, window_start_ms, now_ms.
var slidingWindowScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local window_start = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local previous = tonumber(redis.call('GET', KEYS[2]) or '0')

local progress = (now - window_start) / window
local effective = math.floor((1 - progress) * previous) + current

local window_end = window_start + window
if effective >= capacity then
  return {0, 0, window_end - now, window_end}
end

redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window * 2)
return {1, capacity - effective - 1, 0, window_end}
`)

// concurrencyAcquireScript: slot counter with a TTL for leak recovery
// when a holder crashes before release.
// KEYS[1] counter. ARGV: capacity, ttl_ms, retry_hint_ms.
var concurrencyAcquireScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local retry = tonumber(ARGV[3])

local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= capacity then
  return {0, 0, retry, 0}
end

count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, capacity - count, 0, 0}
`)

// concurrencyReleaseScript: decrement, never below zero.
var concurrencyReleaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  redis.call('DECR', KEYS[1])
end
return count
`)
