package redis

import goredis "github.com/redis/go-redis/v9"

// Script replies. A successful script returns the affected Hash as an
// HGETALL array; a refusal returns one of these status strings.
const (
	replyOK       = "ok"
	replyExists   = "exists"
	replyPending  = "pending"
	replyMiss     = "miss"
	replyNotFound = "notfound"
	replyOnline   = "online"
)

// insertScript stores a queued job and indexes it.
//
// KEYS: job, queue, jobs, user_jobs, pending
// ARGV: id, exclusive, queue score, queue member, created micros, field/value...
var insertScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'exists' end
if ARGV[2] == '1' and redis.call('EXISTS', KEYS[5]) == 1 then return 'pending' end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
if ARGV[2] == '1' then redis.call('SET', KEYS[5], ARGV[1]) end
return 'ok'
`)

// claimScript pops the queue head and marks it running.
//
// KEYS: queue, running
// ARGV: worker id, now micros, job key prefix
var claimScript = goredis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
redis.call('ZREM', KEYS[1], head[1])
local id = string.sub(head[1], string.find(head[1], '|', 1, true) + 1)
local key = ARGV[3] .. id
redis.call('HSET', key, 'status', 'running', 'worker_id', ARGV[1], 'started_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return redis.call('HGETALL', key)
`)

// transitionScript applies a job.Update when its guards hold.
//
// KEYS: job, queue, running
// ARGV: ",from,statuses,", to, at micros, worker id, started-before micros,
// set finished, has error, error, result ref, result metadata,
// increment retry, pending key prefix
var transitionScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'worker_id', 'started_at', 'user_id', 'exclusive', 'qmember', 'priority', 'id')
local status = cur[1]
if not status then return 'miss' end
if not string.find(ARGV[1], ',' .. status .. ',', 1, true) then return 'miss' end
if ARGV[4] ~= '' and cur[2] ~= ARGV[4] then return 'miss' end
if ARGV[5] ~= '' then
  if not cur[3] or cur[3] == '' or tonumber(cur[3]) >= tonumber(ARGV[5]) then return 'miss' end
end

local to = ARGV[2]
local id = cur[8]
local pendingKey = ARGV[12] .. cur[4]
local exclusive = cur[5] == '1'
local toPending = to == 'queued' or to == 'running'

if exclusive and toPending then
  local holder = redis.call('GET', pendingKey)
  if holder and holder ~= id then return 'pending' end
end

if status == 'queued' and to ~= 'queued' then redis.call('ZREM', KEYS[2], cur[6]) end
if status == 'running' and to ~= 'running' then redis.call('ZREM', KEYS[3], id) end
if to == 'queued' then redis.call('ZADD', KEYS[2], -tonumber(cur[7]), cur[6]) end
if exclusive then
  if toPending then
    redis.call('SET', pendingKey, id)
  elseif redis.call('GET', pendingKey) == id then
    redis.call('DEL', pendingKey)
  end
end

redis.call('HSET', KEYS[1], 'status', to, 'updated_at', ARGV[3])
if ARGV[6] == '1' then redis.call('HSET', KEYS[1], 'finished_at', ARGV[3]) end
if ARGV[7] == '1' then redis.call('HSET', KEYS[1], 'error_message', ARGV[8]) end
if ARGV[9] ~= '' then redis.call('HSET', KEYS[1], 'result_ref', ARGV[9]) end
if ARGV[10] ~= '' then redis.call('HSET', KEYS[1], 'result_metadata', ARGV[10]) end
if ARGV[11] == '1' then redis.call('HINCRBY', KEYS[1], 'retry_count', 1) end
return redis.call('HGETALL', KEYS[1])
`)

// deleteWorkerScript removes a worker last seen at or before a cutoff.
//
// KEYS: worker, workers
// ARGV: id, seen-before micros
var deleteWorkerScript = goredis.NewScript(`
local seen = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not seen then return 'notfound' end
if tonumber(seen) > tonumber(ARGV[2]) then return 'online' end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 'ok'
`)

// touchScript upserts an account profile and rolls its day over.
//
// KEYS: account
// ARGV: user id, is admin, trust level, daily quota, today, now micros
var touchScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'last_used_day') ~= ARGV[5] then
  redis.call('HSET', KEYS[1], 'today_used_count', 0, 'last_used_day', ARGV[5])
end
redis.call('HSETNX', KEYS[1], 'total_generations', 0)
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'is_admin', ARGV[2], 'trust_level', ARGV[3], 'daily_quota', ARGV[4], 'updated_at', ARGV[6])
return redis.call('HGETALL', KEYS[1])
`)

// debitScript counts one completed generation.
//
// KEYS: account
// ARGV: today, now micros
var debitScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'notfound' end
if redis.call('HGET', KEYS[1], 'last_used_day') == ARGV[1] then
  redis.call('HINCRBY', KEYS[1], 'today_used_count', 1)
else
  redis.call('HSET', KEYS[1], 'today_used_count', 1, 'last_used_day', ARGV[1])
end
redis.call('HINCRBY', KEYS[1], 'total_generations', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// scriptReply splits a script result into a status string or a Hash.
func scriptReply(v any) (string, map[string]string) {
	switch r := v.(type) {
	case string:
		return r, nil
	case []any:
		m := make(map[string]string, len(r)/2)
		for i := 0; i+1 < len(r); i += 2 {
			k, _ := r[i].(string)
			v, _ := r[i+1].(string)
			m[k] = v
		}
		return replyOK, m
	default:
		return "", nil
	}
}
