package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	RateLimiter     *middleware.RateLimiter
	SecurityHeaders middleware.SecurityHeadersConfig
	StatusMetrics   middleware.StatusMetrics // nilの場合はステータスを記録しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 運用エンドポイント
	HealthChecks   map[string]HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → (Metrics) → SecurityHeaders
//	/auth/register: RegistrationMiddleware
//	/auth/profile:  SessionMiddleware → GeneralMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	if deps.StatusMetrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusMetrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecks))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(deps.RateLimiter.RegistrationMiddleware()).Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.AuthService, deps.AuthConfig.Cookie))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/profile", authHandler.Profile)
		})
	})

	return r
}
