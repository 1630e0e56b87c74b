// Package session はサーバーサイドセッションの発行・検証・破棄を提供する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// ErrInvalid はセッションが存在しない、または期限切れであることを示す。
var ErrInvalid = errors.New("session is invalid or expired")

// sessionIDBytes はセッションIDの乱数バイト長。
const sessionIDBytes = 32

// IdentityFinder はセッション検証時にIdentityを再取得するためのインターフェース。
// repository.IdentityRepositoryの部分集合として定義する。
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*model.Identity, error)
}

// Config はセッション管理の設定。
type Config struct {
	IdleTimeout time.Duration // 最終アクティビティからの有効期間
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{IdleTimeout: 24 * time.Hour}
}

// Manager はセッションのライフサイクルを管理する。
// 有効期限は最終アクティビティを起点としたアイドルタイムアウトで、検証に成功するたびに延長される。
type Manager struct {
	store      repository.SessionRepository
	identities IdentityFinder
	config     Config
	now        func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(store repository.SessionRepository, identities IdentityFinder, config Config) *Manager {
	return &Manager{
		store:      store,
		identities: identities,
		config:     config,
		now:        time.Now,
	}
}

// Issue は指定Identityの新しいセッションを発行する。
func (m *Manager) Issue(ctx context.Context, identityID string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:             id,
		UserID:         identityID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.config.IdleTimeout),
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Validate はセッションを検証し、紐づくIdentityを返す。
// 無効なセッションにはErrInvalidを返す。期限切れ、またはIdentityが存在しないセッションはその場で削除する。
// 検証に成功した場合は最終アクティビティ時刻と有効期限を更新する。
func (m *Manager) Validate(ctx context.Context, sessionID string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, ErrInvalid
	}

	session, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrInvalid
	}

	now := m.now()
	if session.Expired(now) {
		m.discard(ctx, sessionID, "expired")
		return nil, ErrInvalid
	}

	identity, err := m.identities.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		m.discard(ctx, sessionID, "identity not found")
		return nil, ErrInvalid
	}

	if err := m.store.Touch(ctx, sessionID, now, now.Add(m.config.IdleTimeout)); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	return identity, nil
}

// Destroy はセッションを破棄する。
// 存在しないセッションや空のIDに対しても成功する。
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.store.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// discard は無効と判定したセッションを削除する。
// 削除に失敗しても検証結果は変わらないため、ログのみ記録する。
func (m *Manager) discard(ctx context.Context, sessionID, reason string) {
	if err := m.store.DeleteByID(ctx, sessionID); err != nil {
		slog.Warn("failed to discard invalid session",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
