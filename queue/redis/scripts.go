package redis

import goredis "github.com/redis/go-redis/v9"

// enqueueScript stores the item hash and queues it, unless already queued.
//
// KEYS: item, ready, delayed, tenants
// ARGV: jobID, tenant, priority, limit, eligibleMs, readyScore, delayed(0|1)
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'tenant', ARGV[2], 'priority', ARGV[3], 'limit', ARGV[4], 'eligible', ARGV[5], 'score', ARGV[6])
if ARGV[7] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
  redis.call('SADD', KEYS[4], ARGV[2])
end
return 1
`)

// promoteScript moves due delayed items into their tenant's ready set.
//
// KEYS: delayed, tenants
// ARGV: nowMs, batch, itemKeyPrefix, readyKeyPrefix
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, jid in ipairs(due) do
  redis.call('ZREM', KEYS[1], jid)
  local f = redis.call('HMGET', ARGV[3] .. jid, 'tenant', 'score')
  if f[1] then
    redis.call('ZADD', ARGV[4] .. f[1], f[2], jid)
    redis.call('SADD', KEYS[2], f[1])
  end
end
return #due
`)

// removeScript deletes a queued item from whichever set holds it.
//
// KEYS: item, delayed
// ARGV: jobID, readyKeyPrefix
var removeScript = goredis.NewScript(`
local t = redis.call('HGET', KEYS[1], 'tenant')
if not t then
  return 0
end
local n = redis.call('ZREM', ARGV[2] .. t, ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return n
`)

// pruneScript drops a tenant from the tenant set when it has no ready items.
//
// KEYS: ready, tenants
// ARGV: tenant
var pruneScript = goredis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)
