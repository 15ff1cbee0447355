package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow has the same semantics as SlidingWindow but keeps the
// per-client timestamp lists in Redis sorted sets, so several processes
// share one quota.
type RedisSlidingWindow struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// KEYS[1] = bucket, ARGV = now_ms, window_ms, limit, member
var redisSlidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

func NewRedisSlidingWindow(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisSlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl:events"
	}
	return &RedisSlidingWindow{rdb: rdb, limit: limit, window: window, prefix: prefix, now: time.Now}
}

func (rl *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	nowMS := rl.now().UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()

	res, err := redisSlidingWindowScript.Run(ctx, rl.rdb,
		[]string{rl.prefix + ":" + key},
		nowMS, rl.window.Milliseconds(), rl.limit, member,
	).Result()
	if err != nil {
		return false, err
	}

	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false, err
		}
		return n == 1, nil
	default:
		return false, fmt.Errorf("unexpected redis script result type %T", res)
	}
}
