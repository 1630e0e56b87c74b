package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "authgate:ratelimit:"

// attemptScript はカウンタを加算し、最初の試行でウィンドウの有効期限を設定する。
// 戻り値は {count, pttl(ms)}。
var attemptScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter はRedisで試行回数を管理するLimiter実装。
// 複数プロセス間でカウンタを共有できる。
type RedisLimiter struct {
	rdb    redis.Scripter
	config Config
}

// NewRedisLimiter はRedisLimiterを生成する。
func NewRedisLimiter(rdb redis.Scripter, config Config) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, config: config}
}

// Attempt は試行を1回記録し、許可するかを判定する。
func (l *RedisLimiter) Attempt(ctx context.Context, key string) (Decision, error) {
	res, err := attemptScript.Run(ctx, l.rdb, []string{redisKeyPrefix + key}, l.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	return decide(l.config, int(res[0]), time.Duration(res[1])*time.Millisecond), nil
}

var _ Limiter = (*RedisLimiter)(nil)
