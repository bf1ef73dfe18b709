package redis

const (
	// createSessionScript atomically writes an open session record and its indexes
	createSessionScript = `
local session_key = KEYS[1]   -- focusd:session:{sessionID}
local open_set = KEYS[2]      -- focusd:sessions:open
local user_set = KEYS[3]      -- focusd:sessions:user:{userID}:open

local session_id = ARGV[1]
local user_id = ARGV[2]
local started_at = ARGV[3]

-- Refuse to clobber an existing record (duplicate create)
local exists = redis.call('EXISTS', session_key)
if exists == 1 then
  return 'DUPLICATE'
end

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', user_id,
  'started_at', started_at,
  'elapsed_seconds', 0,
  'total_paused_seconds', 0,
  'status', 'ACTIVE'
)

redis.call('SADD', open_set, session_id)
redis.call('SADD', user_set, session_id)

return 'OK'
`

	// closeSessionScript atomically marks a session ended and unindexes it
	closeSessionScript = `
local session_key = KEYS[1]   -- focusd:session:{sessionID}
local open_set = KEYS[2]      -- focusd:sessions:open

local session_id = ARGV[1]
local ended_at = ARGV[2]
local elapsed_seconds = ARGV[3]
local total_paused_seconds = ARGV[4]
local ttl_seconds = tonumber(ARGV[5])

local user_id = redis.call('HGET', session_key, 'user_id')
if not user_id then
  return 'NOT_FOUND'
end

redis.call('HSET', session_key,
  'ended_at', ended_at,
  'elapsed_seconds', elapsed_seconds,
  'total_paused_seconds', total_paused_seconds,
  'status', 'ENDED'
)

redis.call('SREM', open_set, session_id)
local user_set = 'focusd:sessions:user:' .. user_id .. ':open'
redis.call('SREM', user_set, session_id)

-- Closed records expire after the retention window
if ttl_seconds > 0 then
  redis.call('EXPIRE', session_key, ttl_seconds)
end

return 'OK'
`

	// appendOverrideScript appends an override exactly once per composite key
	appendOverrideScript = `
local dedup_set = KEYS[1]     -- focusd:overrides:keys:{userID}
local log_list = KEYS[2]      -- focusd:overrides:log:{userID}

local dedup_key = ARGV[1]
local payload = ARGV[2]
local ttl_seconds = tonumber(ARGV[3])

local added = redis.call('SADD', dedup_set, dedup_key)
if added == 0 then
  return 'DUPLICATE'
end

redis.call('LPUSH', log_list, payload)

if ttl_seconds > 0 then
  redis.call('EXPIRE', dedup_set, ttl_seconds)
  redis.call('EXPIRE', log_list, ttl_seconds)
end

return 'OK'
`

	// incrementDailyFocusScript atomically increments or creates a daily total
	incrementDailyFocusScript = `
local daily_key = KEYS[1]     -- focusd:focus:daily:{date}:{userID}
local index_key = KEYS[2]     -- focusd:focus:daily:index:{date}

local date = ARGV[1]
local user_id = ARGV[2]
local seconds = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local exists = redis.call('EXISTS', daily_key)

if exists == 0 then
  redis.call('HSET', daily_key,
    'date', date,
    'user_id', user_id,
    'total_seconds', seconds
  )
  redis.call('SADD', index_key, user_id)
  if ttl_seconds > 0 then
    redis.call('EXPIRE', daily_key, ttl_seconds)
    redis.call('EXPIRE', index_key, ttl_seconds)
  end
else
  redis.call('HINCRBY', daily_key, 'total_seconds', seconds)
end

return 'OK'
`
)
