package redis

import goredis "github.com/redis/go-redis/v9"

// compareAndDelete deletes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// addNotified adds ARGV[2..] to the set KEYS[1], refreshes its TTL to
// ARGV[1] ms and returns the members that were not there before.
var addNotified = goredis.NewScript(`
local fresh = {}
for i = 2, #ARGV do
	if redis.call('SADD', KEYS[1], ARGV[i]) == 1 then
		fresh[#fresh + 1] = ARGV[i]
	end
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return fresh
`)

// completeTimer removes entry hash KEYS[1] and its member ARGV[1] from
// the index KEYS[2] if the entry's token is ARGV[2].
var completeTimer = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// retryTimer moves entry KEYS[1] to due time ARGV[3] (score ARGV[4]) and
// bumps its attempt counter if the entry's token is ARGV[2].
var retryTimer = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'due_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'attempt', 1)
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)
