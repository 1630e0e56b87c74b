package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authgate/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 認証済みAPIのレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 認証済みAPIのバーストサイズ
	RegisterRate    rate.Limit    // ユーザー登録のレート（req/sec）。10/60
	RegisterBurst   int           // ユーザー登録のバーストサイズ
	TrustProxy      bool          // 登録のクライアントIP判定でプロキシヘッダーを信頼するか
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証済みAPI 120 req/min/user、ユーザー登録 10 req/min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 10)
}

// PerMinuteRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりの上限と同じ値にする。
func PerMinuteRateLimiterConfig(generalPerMin, registerPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		RegisterRate:    rate.Limit(float64(registerPerMin) / 60.0),
		RegisterBurst:   registerPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同じレート設定を共有するキー別リミッターの集合。
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyLimiter),
	}
}

// allow はキーのリミッターを取得または作成し、1リクエスト分のトークンを消費する。
func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	kl, exists := s.limiters[key]
	if !exists {
		kl = &keyLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = kl
	}
	kl.lastAccess = time.Now()
	s.mu.Unlock()

	return kl.limiter.Allow()
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// retryAfter は1トークンが補充されるまでの時間を返す。
func (s *limiterSet) retryAfter() time.Duration {
	if s.limit <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(s.limit))
}

// RateLimiter はHTTPリクエストのレート制限を管理する。
// 認証済みAPI全般（ユーザー単位）とユーザー登録（IP単位）の2種類を提供する。
type RateLimiter struct {
	config   RateLimiterConfig
	general  *limiterSet
	register *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		general:  newLimiterSet(config.GeneralRate, config.GeneralBurst),
		register: newLimiterSet(config.RegisterRate, config.RegisterBurst),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は認証済みAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !rl.general.allow(userID) {
				writeRateLimitResponse(w, rl.general.retryAfter())
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RegistrationMiddleware はユーザー登録専用のレート制限ミドルウェアを返す。
// 未認証のエンドポイントに適用するため、クライアントIP単位で制限する。
func (rl *RateLimiter) RegistrationMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, rl.config.TrustProxy)

			if !rl.register.allow(ip) {
				writeRateLimitResponse(w, rl.register.retryAfter())
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "registration"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されている認証済みAPIリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// RegisterLimiterCount は現在管理されているユーザー登録リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) RegisterLimiterCount() int {
	return rl.register.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.general.evict(now, ttl)
	rl.register.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:       model.ErrCodeRateLimited,
		Message:    "リクエスト数が上限に達しました。",
		Category:   "system",
		Action:     "しばらく待ってから再度お試しください。",
		RetryAfter: retryAfter,
	})
}
