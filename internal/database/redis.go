package database

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OpenRedis はRedisクライアントを生成する。
// redisURLは "redis://:password@host:6379/0" 形式で指定する。
// 接続確認には client.Ping(ctx) を使用すること。
func OpenRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
