// Package ratelimit は認証試行回数を制限する固定ウィンドウ方式のレートリミッターを提供する。
package ratelimit

import (
	"context"
	"time"
)

// Decision は試行1回分の判定結果。
type Decision struct {
	Allowed    bool          // 試行を許可するか
	RetryAfter time.Duration // 拒否時、ウィンドウがリセットされるまでの残り時間
	Count      int           // 現在のウィンドウでの試行回数（今回を含む）
}

// Limiter はキーごとの試行回数を数える。
// 同一キーに対するカウントの加算は並行呼び出しに対して原子的である。
type Limiter interface {
	Attempt(ctx context.Context, key string) (Decision, error)
}

// Config はレートリミッターの設定。
type Config struct {
	MaxAttempts     int           // ウィンドウ内で許可する試行回数
	Window          time.Duration // ウィンドウの長さ
	CleanupInterval time.Duration // 期限切れウィンドウの掃除間隔（メモリ実装のみ）
}

// DefaultConfig はデフォルトの設定を返す。
// 15分間に5回まで。
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		Window:          15 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// decide はウィンドウ内の試行回数と残り時間から判定結果を組み立てる。
func decide(cfg Config, count int, remaining time.Duration) Decision {
	if count > cfg.MaxAttempts {
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: remaining, Count: count}
	}
	return Decision{Allowed: true, Count: count}
}
