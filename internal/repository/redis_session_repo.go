package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "authgate:session:"

// redisSession はRedisに格納するセッションの表現。
type redisSession struct {
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// キーのTTLをExpiresAtに合わせるため、期限切れのセッションはRedis側で消える。
type RedisSessionRepo struct {
	rdb redis.UniversalClient
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(rdb redis.UniversalClient) *RedisSessionRepo {
	return &RedisSessionRepo{rdb: rdb}
}

func redisSessionKey(id string) string {
	return redisSessionKeyPrefix + id
}

// Create はセッションを作成する。
// 有効期限が過去のセッションはキーを保存できないためエラーを返す。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("failed to create session: already expired at %s", session.ExpiresAt.Format(time.RFC3339))
	}

	payload, err := json.Marshal(redisSession{
		UserID:         session.UserID,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		ExpiresAt:      session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, redisSessionKey(session.ID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	raw, err := r.rdb.Get(ctx, redisSessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	return &model.Session{
		ID:             id,
		UserID:         rs.UserID,
		CreatedAt:      rs.CreatedAt,
		LastActivityAt: rs.LastActivityAt,
		ExpiresAt:      rs.ExpiresAt,
	}, nil
}

// Touch は最終アクティビティ時刻と有効期限を更新し、キーのTTLを延長する。
// SET XXを使うため、削除済みのセッションは復活しない。
func (r *RedisSessionRepo) Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.DeleteByID(ctx, id)
	}

	payload, err := json.Marshal(redisSession{
		UserID:         current.UserID,
		CreatedAt:      current.CreatedAt,
		LastActivityAt: lastActivityAt,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	err = r.rdb.SetArgs(ctx, redisSessionKey(id), payload, redis.SetArgs{Mode: "XX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, redisSessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired はTTLによりRedis側で削除されるため何もしない。
func (r *RedisSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

var _ SessionRepository = (*RedisSessionRepo)(nil)
