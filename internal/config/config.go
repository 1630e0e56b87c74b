package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Argon2idの作業係数の許容範囲
const (
	MinArgon2MemoryKiB   = 8 * 1024
	MaxArgon2MemoryKiB   = 1024 * 1024
	MinArgon2Iterations  = 1
	MaxArgon2Iterations  = 20
	MinArgon2Parallelism = 1
	MaxArgon2Parallelism = 64
)

// DotEnvFile は起動時に読み込む.envファイルのパス。
const DotEnvFile = ".env"

// ストア種別
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Server
	ServerPort string
	AppEnv     string
	LogLevel   string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Session
	SessionMaxAge          time.Duration
	SessionStore           string
	SessionCleanupInterval time.Duration

	// Login Rate Limit
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	LoginRateLimitKey    string
	RateLimitStore       string

	// Rate Limit
	RateLimitGeneral  int
	RateLimitRegister int
	TrustProxy        bool

	// Password
	PasswordHasher       string
	BcryptCost           int
	Argon2MemoryKiB      int
	Argon2Iterations     int
	Argon2Parallelism    int
	PasswordSpecialChars string
}

// IsProduction は本番環境として起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load は.envファイルと環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や列挙値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.SessionStore = strings.ToLower(getEnvString("SESSION_STORE", StorePostgres))

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	// メモリストア構成ではPostgreSQLに接続しない
	if cfg.DatabaseURL == "" && cfg.SessionStore != StoreMemory {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "redis://localhost:6379/0")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppEnv = strings.ToLower(getEnvString("APP_ENV", "development"))
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", cfg.IsProduction())
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.SessionMaxAge = getEnvDuration("SESSION_MAX_AGE", 24*time.Hour)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.LoginRateLimitMax = getEnvInt("LOGIN_RATE_LIMIT_MAX", 5)
	cfg.LoginRateLimitWindow = getEnvDuration("LOGIN_RATE_LIMIT_WINDOW", 15*time.Minute)
	cfg.LoginRateLimitKey = strings.ToLower(getEnvString("LOGIN_RATE_LIMIT_KEY", "ip"))
	cfg.RateLimitStore = strings.ToLower(getEnvString("RATE_LIMIT_STORE", StoreMemory))
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRegister = getEnvInt("RATE_LIMIT_REGISTER", 10)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.PasswordHasher = strings.ToLower(getEnvString("PASSWORD_HASHER", "bcrypt"))
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.Argon2MemoryKiB = getEnvInt("ARGON2_MEMORY_KIB", 64*1024)
	cfg.Argon2Iterations = getEnvInt("ARGON2_ITERATIONS", 3)
	cfg.Argon2Parallelism = getEnvInt("ARGON2_PARALLELISM", 2)
	cfg.PasswordSpecialChars = getEnvString("PASSWORD_SPECIAL_CHARS", "@$!%*?&")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は列挙値と数値範囲を検証し、不正な値をまとめて1つのエラーで返す。
func (c *Config) validate() error {
	var invalid []string

	checkOneOf := func(key, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		invalid = append(invalid, fmt.Sprintf("%s=%q (allowed: %s)", key, value, strings.Join(allowed, ", ")))
	}
	checkPositive := func(key string, value int64) {
		if value <= 0 {
			invalid = append(invalid, fmt.Sprintf("%s must be positive", key))
		}
	}
	checkRange := func(key string, value, lo, hi int) {
		if value < lo || value > hi {
			invalid = append(invalid, fmt.Sprintf("%s=%d (allowed: %d-%d)", key, value, lo, hi))
		}
	}

	checkOneOf("SESSION_STORE", c.SessionStore, StorePostgres, StoreRedis, StoreMemory)
	checkOneOf("RATE_LIMIT_STORE", c.RateLimitStore, StoreMemory, StoreRedis)
	checkOneOf("LOGIN_RATE_LIMIT_KEY", c.LoginRateLimitKey, "ip", "username", "ip_username")
	checkOneOf("PASSWORD_HASHER", c.PasswordHasher, "bcrypt", "argon2id")
	checkOneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error")

	checkPositive("SESSION_MAX_AGE", int64(c.SessionMaxAge))
	checkPositive("SESSION_CLEANUP_INTERVAL", int64(c.SessionCleanupInterval))
	checkPositive("LOGIN_RATE_LIMIT_MAX", int64(c.LoginRateLimitMax))
	checkPositive("LOGIN_RATE_LIMIT_WINDOW", int64(c.LoginRateLimitWindow))
	checkPositive("RATE_LIMIT_GENERAL", int64(c.RateLimitGeneral))
	checkPositive("RATE_LIMIT_REGISTER", int64(c.RateLimitRegister))

	checkRange("BCRYPT_COST", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	checkRange("ARGON2_MEMORY_KIB", c.Argon2MemoryKiB, MinArgon2MemoryKiB, MaxArgon2MemoryKiB)
	checkRange("ARGON2_ITERATIONS", c.Argon2Iterations, MinArgon2Iterations, MaxArgon2Iterations)
	checkRange("ARGON2_PARALLELISM", c.Argon2Parallelism, MinArgon2Parallelism, MaxArgon2Parallelism)

	if c.PasswordSpecialChars == "" {
		invalid = append(invalid, "PASSWORD_SPECIAL_CHARS must not be empty")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment variables: %v", invalid)
	}
	return nil
}

// loadDotEnv はpathの.envファイルを読み込む。ファイルがなければ何もしない。
// 既に設定済みの環境変数は上書きしない。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
