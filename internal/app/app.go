package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/worker/cleanup"
)

// loginLimiterCleanupInterval はメモリ版ログインリミッターの期限切れウィンドウ掃除間隔。
const loginLimiterCleanupInterval = 5 * time.Minute

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("app_env", cfg.AppEnv),
		slog.String("session_store", cfg.SessionStore),
		slog.String("rate_limit_store", cfg.RateLimitStore),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// backends は設定に応じて開いた外部接続を保持する。
// 使わない接続はnilのまま。
type backends struct {
	db  *sql.DB
	rdb *redis.Client
}

// openBackends は設定が必要とするPostgreSQLとRedisへ接続する。
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.SessionStore != config.StoreMemory {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.db = db
		slog.Info("database connection established")
	}

	if cfg.SessionStore == config.StoreRedis || cfg.RateLimitStore == config.StoreRedis {
		rdb, err := database.OpenRedis(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			b.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.rdb = rdb
		slog.Info("redis connection established")
	}

	return b, nil
}

// Close は開いている接続をすべて閉じる。
func (b *backends) Close() {
	if b.rdb != nil {
		b.rdb.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// healthChecks は/healthで確認する依存先を返す。
func (b *backends) healthChecks() map[string]handler.HealthChecker {
	checks := make(map[string]handler.HealthChecker)
	if b.db != nil {
		checks["database"] = b.db
	}
	if b.rdb != nil {
		rdb := b.rdb
		checks["redis"] = handler.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return checks
}

// stores は認証情報ストアとセッションストアの組。
type stores struct {
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
}

// newStores はSESSION_STOREに応じたストアを生成する。
// memory構成ではIdentityもプロセス内に保持する。
func newStores(cfg *config.Config, b *backends) stores {
	switch cfg.SessionStore {
	case config.StoreMemory:
		return stores{
			identities: repository.NewMemoryIdentityRepo(),
			sessions:   repository.NewMemorySessionRepo(),
		}
	case config.StoreRedis:
		return stores{
			identities: repository.NewPostgresIdentityRepo(b.db),
			sessions:   repository.NewRedisSessionRepo(b.rdb),
		}
	default:
		return stores{
			identities: repository.NewPostgresIdentityRepo(b.db),
			sessions:   repository.NewPostgresSessionRepo(b.db),
		}
	}
}

// newLoginLimiter はRATE_LIMIT_STOREに応じたログイン試行リミッターを生成する。
// 返り値のstopはメモリ版の掃除ゴルーチンを止める。
func newLoginLimiter(cfg *config.Config, b *backends) (ratelimit.Limiter, func()) {
	limiterCfg := ratelimit.Config{
		MaxAttempts:     cfg.LoginRateLimitMax,
		Window:          cfg.LoginRateLimitWindow,
		CleanupInterval: loginLimiterCleanupInterval,
	}
	if cfg.RateLimitStore == config.StoreRedis {
		return ratelimit.NewRedisLimiter(b.rdb, limiterCfg), func() {}
	}
	l := ratelimit.NewMemoryLimiter(limiterCfg)
	return l, l.Stop
}

// hasherConfig は設定からパスワードハッシュの設定を組み立てる。
// 符号なし整数に収まらない値は丸めずにエラーとする。
func hasherConfig(cfg *config.Config) (password.Config, error) {
	params := password.DefaultArgon2idParams()

	mem, err := toUint32("ARGON2_MEMORY_KIB", cfg.Argon2MemoryKiB)
	if err != nil {
		return password.Config{}, err
	}
	iter, err := toUint32("ARGON2_ITERATIONS", cfg.Argon2Iterations)
	if err != nil {
		return password.Config{}, err
	}
	par, err := toUint32("ARGON2_PARALLELISM", cfg.Argon2Parallelism)
	if err != nil {
		return password.Config{}, err
	}
	if par > math.MaxUint8 {
		return password.Config{}, fmt.Errorf("ARGON2_PARALLELISM out of range: %d", par)
	}
	params.MemoryKiB = mem
	params.Iterations = iter
	params.Parallelism = uint8(par)

	return password.Config{
		Algorithm:  cfg.PasswordHasher,
		BcryptCost: cfg.BcryptCost,
		Argon2id:   params,
	}, nil
}

func toUint32(key string, v int) (uint32, error) {
	if v < 0 || uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("%s out of range: %d", key, v)
	}
	return uint32(v), nil
}

// newMetricsRegistry はアプリケーションのメトリクスとGo/プロセスのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildAuthService は認証サービス一式をワイヤリングする。
func buildAuthService(cfg *config.Config, st stores, limiter ratelimit.Limiter, m metrics.MetricsCollector) (*auth.Service, error) {
	hcfg, err := hasherConfig(cfg)
	if err != nil {
		return nil, err
	}
	baseHasher, err := password.NewHasher(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create password hasher: %w", err)
	}
	hasher := auth.InstrumentHasher(baseHasher, m)

	policy := password.DefaultPolicy()
	policy.SpecialChars = cfg.PasswordSpecialChars

	keyStrategy, err := auth.ParseKeyStrategy(cfg.LoginRateLimitKey)
	if err != nil {
		return nil, err
	}

	authenticator, err := auth.NewAuthenticator(st.identities, hasher, limiter, auth.Config{KeyStrategy: keyStrategy})
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	sessions := session.NewManager(st.sessions, st.identities, session.Config{IdleTimeout: cfg.SessionMaxAge})

	return auth.NewService(
		auth.NewRegistrar(st.identities, hasher, policy),
		authenticator,
		sessions,
		m,
	), nil
}

// runServe はAPIサーバーモードで起動する。
// 外部接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 外部接続
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. ストアとリミッターの初期化
	st := newStores(cfg, b)
	loginLimiter, stopLoginLimiter := newLoginLimiter(cfg, b)
	defer stopLoginLimiter()

	// 3. メトリクス
	reg, collector := newMetricsRegistry()

	// 4. ドメインサービスの初期化
	authService, err := buildAuthService(cfg, st, loginLimiter, collector)
	if err != nil {
		return err
	}

	// 5. メモリストアの場合はプロセス内で期限切れセッションを掃除する
	if deleter, ok := st.sessions.(cleanup.ExpiredSessionDeleter); ok && cfg.SessionStore == config.StoreMemory {
		job := cleanup.NewCleanupJob(deleter, collector, slog.Default())
		go job.Start(ctx, cfg.SessionCleanupInterval)
	}

	// 6. ルーターの構築
	// configのレート制限はreq/min単位
	rateLimiterCfg := middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitRegister)
	rateLimiterCfg.TrustProxy = cfg.TrustProxy
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		RateLimiter:     rateLimiter,
		SecurityHeaders: middleware.SecurityHeadersConfig{HSTS: cfg.CookieSecure},
		StatusMetrics:   collector,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			Cookie: middleware.SessionCookie{
				Secure: cfg.CookieSecure,
				Domain: cfg.CookieDomain,
				MaxAge: cfg.SessionMaxAge,
			},
			TrustProxy: cfg.TrustProxy,
		},

		HealthChecks:   b.healthChecks(),
		MetricsHandler: metrics.Handler(reg),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップジョブをSESSION_CLEANUP_INTERVAL間隔で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.SessionStore == config.StoreMemory {
		return fmt.Errorf("worker requires a shared session store, got %q", cfg.SessionStore)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 外部接続
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. クリーンアップジョブの初期化
	st := newStores(cfg, b)
	deleter, ok := st.sessions.(cleanup.ExpiredSessionDeleter)
	if !ok {
		return fmt.Errorf("session store %q does not support cleanup", cfg.SessionStore)
	}
	cleanupJob := cleanup.NewCleanupJob(deleter, nil, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrationsWithVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
