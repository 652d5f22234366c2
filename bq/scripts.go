package bq

import "github.com/redis/go-redis/v9"

// The four scripts below implement C1 of the spec. They are kept as
// compile-time string constants and wrapped in redis.Script, which caches
// each script's SHA and transparently falls back from EVALSHA to EVAL on
// NOSCRIPT — exactly the "load-and-eval-by-hash" optimization the spec's
// implementer's note invites.
//
// KEYS/ARGV indices are documented per-script since Lua has no named
// parameters.

const luaPush = `
-- KEYS[1] partitions set, KEYS[2] queue list, KEYS[3] metrics hash
-- ARGV[1] payload, ARGV[2] partition key, ARGV[3] now (unix seconds)
redis.call('SADD', KEYS[1], ARGV[2])
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
if redis.call('HSETNX', KEYS[3], 'first_job_time', ARGV[3]) == 1 then
	-- first_job_time was unset; nothing else to do
end
redis.call('HINCRBY', KEYS[3], 'total_pushed', 1)
return n
`

const luaPopWithCap = `
-- KEYS[1] queue list, KEYS[2] partitions set, KEYS[3] active hash, KEYS[4] metrics hash
-- ARGV[1] partition key, ARGV[2] reservation id, ARGV[3] cap, ARGV[4] ttl seconds, ARGV[5] now
local cap = tonumber(ARGV[3])
if cap >= 0 and redis.call('HLEN', KEYS[3]) >= cap then
	return false
end
local payload = redis.call('LPOP', KEYS[1])
if payload == false then
	return false
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[5])
redis.call('EXPIRE', KEYS[3], ARGV[4])
redis.call('HINCRBY', KEYS[4], 'total_popped', 1)
if redis.call('LLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[4], 'first_job_time')
end
return payload
`

const luaReapAndCount = `
-- KEYS[1] active hash
-- ARGV[1] threshold (unix seconds); entries with timestamp < threshold are stale
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
	local id = all[i]
	local ts = tonumber(all[i + 1])
	if ts < tonumber(ARGV[1]) then
		redis.call('HDEL', KEYS[1], id)
	end
end
return redis.call('HLEN', KEYS[1])
`

const luaAcquireWithReap = `
-- KEYS[1] active hash
-- ARGV[1] id, ARGV[2] cap, ARGV[3] ttl seconds, ARGV[4] now, ARGV[5] threshold
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
	local id = all[i]
	local ts = tonumber(all[i + 1])
	if ts < tonumber(ARGV[5]) then
		redis.call('HDEL', KEYS[1], id)
	end
end
local size = redis.call('HLEN', KEYS[1])
local cap = tonumber(ARGV[2])
if cap >= 0 and size >= cap then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`

var (
	scriptPush            = redis.NewScript(luaPush)
	scriptPopWithCap      = redis.NewScript(luaPopWithCap)
	scriptReapAndCount    = redis.NewScript(luaReapAndCount)
	scriptAcquireWithReap = redis.NewScript(luaAcquireWithReap)
)
