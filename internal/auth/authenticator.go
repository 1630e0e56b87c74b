// Package auth はユーザー登録、ログイン認証、セッションによるアクセス制御を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/ratelimit"
)

// Credentials はユーザー名とパスワードの組。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// State はログイン試行の進行状態。
type State int

const (
	StateIdle State = iota
	StateValidating
	StateVerifying
	StateSucceeded
	StateFailed
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateVerifying:
		return "verifying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason はログイン失敗の理由。
type Reason string

const (
	ReasonRateLimited        Reason = "rate_limited"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonInternalError      Reason = "internal_error"
)

// Outcome はログイン試行の結果。
// Errは内部エラーの詳細で、ログにのみ記録し呼び出し元へは返さない。
type Outcome struct {
	State      State
	Identity   *model.Identity
	Reason     Reason
	RetryAfter time.Duration
	Err        error
}

// Succeeded は認証に成功したかを返す。
func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

func failed(reason Reason, err error) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Err: err}
}

// KeyStrategy はログイン試行回数を数えるキーの組み立て方。
type KeyStrategy string

const (
	KeyByIP         KeyStrategy = "ip"
	KeyByUsername   KeyStrategy = "username"
	KeyByIPUsername KeyStrategy = "ip_username"
)

// ParseKeyStrategy は設定値からKeyStrategyを返す。
func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch k := KeyStrategy(strings.ToLower(s)); k {
	case KeyByIP, KeyByUsername, KeyByIPUsername:
		return k, nil
	default:
		return "", fmt.Errorf("unknown rate limit key strategy: %q", s)
	}
}

// Key はクライアントIPとユーザー名からレートリミッターのキーを返す。
func (k KeyStrategy) Key(clientIP, username string) string {
	switch k {
	case KeyByUsername:
		return "user:" + username
	case KeyByIPUsername:
		return "ip_user:" + clientIP + ":" + username
	default:
		return "ip:" + clientIP
	}
}

// Config は認証処理の設定。
type Config struct {
	KeyStrategy KeyStrategy
}

// DefaultConfig はデフォルトの設定を返す。
// 試行回数はクライアントIP単位で数える。
func DefaultConfig() Config {
	return Config{KeyStrategy: KeyByIP}
}

// dummyPassword は存在しないユーザーに対する照合で使う固定値。
const dummyPassword = "authgate-dummy-password"

// CredentialFinder はユーザー名でIdentityを検索するためのインターフェース。
// repository.IdentityRepositoryの部分集合として定義する。
type CredentialFinder interface {
	FindByUsername(ctx context.Context, username string) (*model.Identity, error)
}

// Authenticator はユーザー名とパスワードを照合する。
// 試行回数の制限を最初に確認し、制限中はユーザー検索もハッシュ照合も行わない。
type Authenticator struct {
	identities CredentialFinder
	hasher     password.Hasher
	limiter    ratelimit.Limiter
	config     Config
	dummyHash  string
}

// NewAuthenticator はAuthenticatorを生成する。
// 存在しないユーザーの照合に使うダミーハッシュをここで計算する。
func NewAuthenticator(identities CredentialFinder, hasher password.Hasher, limiter ratelimit.Limiter, config Config) (*Authenticator, error) {
	dummyHash, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	if config.KeyStrategy == "" {
		config.KeyStrategy = KeyByIP
	}
	return &Authenticator{
		identities: identities,
		hasher:     hasher,
		limiter:    limiter,
		config:     config,
		dummyHash:  dummyHash,
	}, nil
}

// Authenticate はログイン試行を1回処理し、その結果を返す。
// 存在しないユーザーとパスワード不一致は同一の結果（InvalidCredentials）になる。
func (a *Authenticator) Authenticate(ctx context.Context, clientIP string, creds Credentials) Outcome {
	// Idle -> Validating
	decision, err := a.limiter.Attempt(ctx, a.config.KeyStrategy.Key(clientIP, creds.Username))
	if err != nil {
		return failed(ReasonInternalError, fmt.Errorf("failed to check rate limit: %w", err))
	}
	if !decision.Allowed {
		o := failed(ReasonRateLimited, nil)
		o.RetryAfter = decision.RetryAfter
		return o
	}

	// Validating -> Verifying
	identity, err := a.identities.FindByUsername(ctx, creds.Username)
	if err != nil {
		return failed(ReasonInternalError, fmt.Errorf("failed to find identity: %w", err))
	}
	if identity == nil {
		a.hasher.Verify(creds.Password, a.dummyHash)
		return failed(ReasonInvalidCredentials, nil)
	}

	// Verifying -> Succeeded | Failed
	if !a.hasher.Verify(creds.Password, identity.PasswordHash) {
		return failed(ReasonInvalidCredentials, nil)
	}

	slog.Debug("credentials verified", slog.String("user_id", identity.ID))
	return Outcome{State: StateSucceeded, Identity: identity}
}
