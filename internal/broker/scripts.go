package broker

import "github.com/redis/go-redis/v9"

// Wait set scores sort by priority first, then by insertion sequence, so
// equal priorities are served FIFO. Scores are formatted with %.0f because
// they exceed the precision of Lua's default number formatting.
const luaHelpers = `
local function pushWait(waitKey, seqKey, jobKey, id)
  local seq = redis.call('INCR', seqKey)
  local priority = tonumber(redis.call('HGET', jobKey, 'priority')) or 0
  redis.call('HSET', jobKey, 'seq', seq, 'state', 'waiting')
  redis.call('ZADD', waitKey, string.format('%.0f', priority * 4294967296 + (seq % 4294967296)), id)
end

local function retain(setKey, jobKey, id, now, keep, prefix)
  if keep == 0 then
    redis.call('DEL', jobKey)
    return 0
  end
  redis.call('ZADD', setKey, now, id)
  if keep > 0 then
    local old = redis.call('ZRANGE', setKey, 0, -(keep + 1))
    for _, oid in ipairs(old) do
      redis.call('DEL', prefix .. oid)
    end
    if #old > 0 then
      redis.call('ZREMRANGEBYRANK', setKey, 0, #old - 1)
    end
  end
  return 1
end

local function reclaim(activeKey, waitKey, seqKey, failedKey, prefix, id, now)
  redis.call('ZREM', activeKey, id)
  local jobKey = prefix .. id
  if redis.call('EXISTS', jobKey) == 0 then
    return false
  end
  local attempts = redis.call('HINCRBY', jobKey, 'attempts_made', 1)
  local max = tonumber(redis.call('HGET', jobKey, 'max_attempts')) or 1
  redis.call('HSET', jobKey, 'token', '')
  if attempts >= max then
    redis.call('HSET', jobKey, 'state', 'failed', 'failed_reason', 'job stalled more than allowable limit', 'finished_on', now)
    local keep = tonumber(redis.call('HGET', jobKey, 'keep_failed')) or -1
    retain(failedKey, jobKey, id, now, keep, prefix)
    return 'failed'
  end
  pushWait(waitKey, seqKey, jobKey, id)
  return 'waiting'
end
`

// KEYS: job, wait, delayed, seq
// ARGV: id, queue, type, payload, owner, created_at, scheduled_for, priority,
//
//	max_attempts, opts, keep_completed, keep_failed, now, delay_ms
var addScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'type', ARGV[3], 'payload', ARGV[4],
  'owner', ARGV[5], 'created_at', ARGV[6], 'scheduled_for', ARGV[7],
  'priority', ARGV[8], 'attempts_made', 0, 'max_attempts', ARGV[9],
  'opts', ARGV[10], 'keep_completed', ARGV[11], 'keep_failed', ARGV[12],
  'progress', 0, 'token', '')
local delay = tonumber(ARGV[14])
if delay > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], string.format('%.0f', tonumber(ARGV[13]) + delay), ARGV[1])
else
  pushWait(KEYS[2], KEYS[4], KEYS[1], ARGV[1])
end
return 1
`)

// KEYS: wait, active, meta
// ARGV: now, lease_deadline, token, job_prefix
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'paused') == '1' then
  return nil
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local jobKey = ARGV[4] .. id
redis.call('HSET', jobKey, 'state', 'active', 'processed_on', ARGV[1], 'token', ARGV[3])
return redis.call('HGETALL', jobKey)
`)

// KEYS: active, completed, job
// ARGV: id, token, now, result, duration_ms, job_prefix
var completeScript = redis.NewScript(luaHelpers + `
if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[3], 'state', 'completed', 'result', ARGV[4],
  'finished_on', ARGV[3], 'duration_ms', ARGV[5], 'token', '', 'failed_reason', '')
local keep = tonumber(redis.call('HGET', KEYS[3], 'keep_completed')) or -1
return retain(KEYS[2], KEYS[3], ARGV[1], ARGV[3], keep, ARGV[6])
`)

// KEYS: active, failed, delayed, wait, job, seq
// ARGV: id, token, now, reason, delay_ms, job_prefix, unrecoverable, duration_ms
// Returns {outcome, attempts_made}: outcome -1 lease lost, 1 retrying, 2 failed.
var failScript = redis.NewScript(luaHelpers + `
if redis.call('HGET', KEYS[5], 'token') ~= ARGV[2] then
  return {-1, 0}
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return {-1, 0}
end
local attempts = redis.call('HINCRBY', KEYS[5], 'attempts_made', 1)
local max = tonumber(redis.call('HGET', KEYS[5], 'max_attempts')) or 1
redis.call('HSET', KEYS[5], 'failed_reason', ARGV[4], 'token', '', 'duration_ms', ARGV[8])
if ARGV[7] ~= '1' and attempts < max then
  local delay = tonumber(ARGV[5])
  if delay > 0 then
    redis.call('HSET', KEYS[5], 'state', 'delayed')
    redis.call('ZADD', KEYS[3], string.format('%.0f', tonumber(ARGV[3]) + delay), ARGV[1])
  else
    pushWait(KEYS[4], KEYS[6], KEYS[5], ARGV[1])
  end
  return {1, attempts}
end
redis.call('HSET', KEYS[5], 'state', 'failed', 'finished_on', ARGV[3])
local keep = tonumber(redis.call('HGET', KEYS[5], 'keep_failed')) or -1
retain(KEYS[2], KEYS[5], ARGV[1], ARGV[3], keep, ARGV[6])
return {2, attempts}
`)

// A lease is renewed only while the job is still in the active set under the
// caller's token, so a reclaimed job cannot be pulled back into active.
const luaRenew = `
local function renew(jobKey, activeKey, id, token, deadline)
  if redis.call('HGET', jobKey, 'token') ~= token then
    return false
  end
  if redis.call('ZSCORE', activeKey, id) == false then
    return false
  end
  redis.call('ZADD', activeKey, 'XX', deadline, id)
  return true
end
`

// KEYS: job, active
// ARGV: id, token, progress, lease_deadline
var progressScript = redis.NewScript(luaRenew + `
if not renew(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[4]) then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[3])
return 1
`)

// KEYS: job, active
// ARGV: id, token, lease_deadline
var extendScript = redis.NewScript(luaRenew + `
if not renew(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
return 1
`)

// KEYS: delayed, wait, seq
// ARGV: now, limit, job_prefix
var promoteScript = redis.NewScript(luaHelpers + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    pushWait(KEYS[2], KEYS[3], jobKey, id)
    moved = moved + 1
  end
end
return moved
`)

// KEYS: active, wait, seq, failed
// ARGV: now, limit, job_prefix
// Returns a flat list of id, outcome pairs.
var stalledScript = redis.NewScript(luaHelpers + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  local outcome = reclaim(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[3], id, ARGV[1])
  if outcome then
    table.insert(out, id)
    table.insert(out, outcome)
  end
end
return out
`)

// KEYS: active, wait, seq, job
// ARGV: id, token
// Returns 1 when the job went back to waiting, 0 when the lease was already gone.
// attempts_made is left alone.
var releaseScript = redis.NewScript(luaHelpers + `
if redis.call('HGET', KEYS[4], 'token') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[4], 'token', '')
pushWait(KEYS[2], KEYS[3], KEYS[4], ARGV[1])
return 1
`)

// KEYS: job, wait, delayed, completed, failed
// ARGV: id
// Returns -1 when the job does not exist, 0 when it is active, 1 when removed.
var removeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'active' then
  return 0
end
for i = 2, 5 do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS: job, failed, wait, seq
// ARGV: id
// Returns -1 when missing, 0 when the job is not failed, 1 when requeued.
var retryScript = redis.NewScript(luaHelpers + `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'failed' or redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'finished_on', '', 'token', '')
pushWait(KEYS[3], KEYS[4], KEYS[1], ARGV[1])
return 1
`)

// KEYS: completed or failed set
// ARGV: max_score, limit, job_prefix
var cleanScript = redis.NewScript(`
local ids
local limit = tonumber(ARGV[2])
if limit > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, limit)
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
end
return #ids
`)
