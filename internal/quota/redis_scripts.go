package quota

// reserveScript checks every counter first and increments only when all of
// them have room, so a batch is all-or-nothing.
//
// Keys:
//   KEYS[i] - one counter per metric, all sharing the provider hash tag
//             fixed:   "tiergate:quota:{groq}:tokens:1767261600000"
//             sliding: "tiergate:quota:{groq}:tokens:sliding"
//
// Args:
//   ARGV[1] - now, unix milliseconds
//   ARGV[2] - window in milliseconds
//   ARGV[3] - mode, "fixed" or "sliding"
//   ARGV[4] - unique reservation id (sliding set member suffix)
//   ARGV[5] - fixed window start, unix milliseconds
//   ARGV[6+2(i-1)], ARGV[7+2(i-1)] - amount and limit for KEYS[i]
//
// Returns:
//   {allowed (1|0), refusing key index, used, retry_after_ms}
const reserveScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local sliding = ARGV[3] == 'sliding'
local member = ARGV[4]
local window_start = tonumber(ARGV[5])

local function entry_amount(entry)
    return tonumber(string.match(entry, '^(%d+):'))
end

for i = 1, #KEYS do
    local key = KEYS[i]
    local amount = tonumber(ARGV[6 + (i - 1) * 2])
    local limit = tonumber(ARGV[7 + (i - 1) * 2])

    if sliding then
        redis.call('ZREMRANGEBYSCORE', key, '-inf', string.format('%d', now - window))
        local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
        local used = 0
        for j = 1, #entries, 2 do
            used = used + entry_amount(entries[j])
        end
        if used + amount > limit then
            local retry = window
            if amount <= limit then
                local excess = used + amount - limit
                local freed = 0
                for j = 1, #entries, 2 do
                    freed = freed + entry_amount(entries[j])
                    if freed >= excess then
                        retry = tonumber(entries[j + 1]) + window - now
                        break
                    end
                end
            end
            return {0, i, used, retry}
        end
    else
        local used = tonumber(redis.call('GET', key) or '0')
        if used + amount > limit then
            return {0, i, used, window_start + window - now}
        end
    end
end

for i = 1, #KEYS do
    local key = KEYS[i]
    local amount = ARGV[6 + (i - 1) * 2]
    if sliding then
        redis.call('ZADD', key, string.format('%d', now), amount .. ':' .. member)
        redis.call('PEXPIRE', key, string.format('%d', window))
    else
        redis.call('INCRBY', key, amount)
        redis.call('PEXPIRE', key, string.format('%d', window_start + window - now))
    end
end

return {1, 0, 0, 0}
`
