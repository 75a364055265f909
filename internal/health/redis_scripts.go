package health

// Lua scripts for the Redis store. Every outcome is a single script so that
// concurrent gateway instances never interleave a read and a write of the
// same record. The caller supplies the current time so that all instances
// agree on cooldown arithmetic regardless of Redis server clock.

const (
	// recordFailureScript increments the failure streak and extends the cooldown.
	//
	// Keys:
	//   KEYS[1] - health hash (e.g., "tiergate:health:{groq}")
	//
	// Args:
	//   ARGV[1] - now, unix milliseconds
	//   ARGV[2] - base cooldown in milliseconds
	//   ARGV[3] - max cooldown in milliseconds
	//   ARGV[4] - retention in milliseconds
	//
	// Returns:
	//   {failures, cooldown_until_ms}
	recordFailureScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local base = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local retention = tonumber(ARGV[4])

local failures = redis.call('HINCRBY', key, 'failures', 1)

local cooldown = base
for i = 1, failures do
    cooldown = cooldown * 2
    if cooldown >= max then
        cooldown = max
        break
    end
end

local until_ms = now + cooldown
redis.call('HSET', key,
    'state', 'cooling',
    'cooldown_until', string.format('%d', until_ms),
    'last_checked', string.format('%d', now))
redis.call('PEXPIRE', key, string.format('%d', cooldown + retention))

return {failures, until_ms}
`

	// recordSuccessScript clears the failure streak.
	//
	// Keys:
	//   KEYS[1] - health hash
	//
	// Args:
	//   ARGV[1] - now, unix milliseconds
	//   ARGV[2] - retention in milliseconds
	//
	// Returns:
	//   the failure streak before the reset
	recordSuccessScript = `
local key = KEYS[1]
local now = ARGV[1]
local retention = tonumber(ARGV[2])

local previous = tonumber(redis.call('HGET', key, 'failures') or '0')

redis.call('HSET', key,
    'failures', '0',
    'state', 'healthy',
    'cooldown_until', '0',
    'last_checked', now)
redis.call('PEXPIRE', key, string.format('%d', retention))

return previous
`
)
