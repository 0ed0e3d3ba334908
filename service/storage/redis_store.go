package storage

import (
	"context"
	"time"

	redismgr "ChatRelay/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ===== Lua scripts =====

// Atomic counter with TTL refresh.
// KEYS[1] = counter key
// ARGV[1] = ttl seconds
// returns: new counter value
const luaIncr = `
local v = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
return v
`

// Sliding window over a zset (member = unique entry, score = unix micros).
// KEYS[1] = window key
// ARGV[1] = now (micros)
// ARGV[2] = window (micros)
// ARGV[3] = limit
// ARGV[4] = record (0/1)
// ARGV[5] = member for the new entry
// ARGV[6] = key ttl seconds
// returns: {count_before_record, oldest_score_or_0, recorded}
const luaWindow = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local win    = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local record = tonumber(ARGV[4])
local member = ARGV[5]
local ttl    = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - win)
local n = redis.call("ZCARD", key)

local oldest = 0
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end

local recorded = 0
if record == 1 and n < limit then
  redis.call("ZADD", key, now, member)
  redis.call("EXPIRE", key, ttl)
  recorded = 1
end

return {n, oldest, recorded}
`

// RedisStore implements StateStore on the shared Redis client.
type RedisStore struct {
	mgr *redismgr.Manager

	scriptIncr   *redis.Script
	scriptWindow *redis.Script
}

func NewRedisStore(mgr *redismgr.Manager) *RedisStore {
	return &RedisStore{
		mgr:          mgr,
		scriptIncr:   redis.NewScript(luaIncr),
		scriptWindow: redis.NewScript(luaWindow),
	}
}

func (s *RedisStore) rdb() *redis.Client { return s.mgr.Client() }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb().Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb().Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.scriptIncr.Run(ctx, s.rdb(), []string{key}, int64(ttl/time.Second)).Int64()
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.rdb().TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.rdb().SRem(ctx, key, member).Err()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb().SCard(ctx, key).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb().SMembers(ctx, key).Result()
}

func (s *RedisStore) Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, record bool) (WindowResult, error) {
	rec := 0
	if record {
		rec = 1
	}
	// member must be unique per entry; micros alone can collide under load
	member := microsMember(now)

	vals, err := s.scriptWindow.Run(ctx, s.rdb(), []string{key},
		now.UnixMicro(),
		window.Microseconds(),
		limit,
		rec,
		member,
		int64(windowKeyTTL/time.Second),
	).Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(vals) < 3 {
		return WindowResult{}, errors.Errorf("window script returned %d values", len(vals))
	}

	out := WindowResult{}
	if v, ok := vals[0].(int64); ok {
		out.Count = v
	}
	if v, ok := vals[1].(int64); ok {
		out.OldestMicro = v
	}
	if v, ok := vals[2].(int64); ok {
		out.Recorded = v == 1
	}
	return out, nil
}

const windowKeyTTL = time.Hour
