package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/session"
)

// SessionManager はセッションの発行・検証・破棄を行うインターフェース。
// session.Managerが実装する。
type SessionManager interface {
	Issue(ctx context.Context, identityID string) (*model.Session, error)
	Validate(ctx context.Context, sessionID string) (*model.Identity, error)
	Destroy(ctx context.Context, sessionID string) error
}

// Service は認証に関するビジネスロジックを提供する。
// HTTPハンドラーからはこのServiceのみを利用する。
type Service struct {
	registrar     *Registrar
	authenticator *Authenticator
	sessions      SessionManager
	metrics       metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	registrar *Registrar,
	authenticator *Authenticator,
	sessions SessionManager,
	m metrics.MetricsCollector,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		registrar:     registrar,
		authenticator: authenticator,
		sessions:      sessions,
		metrics:       m,
	}
}

// Register はユーザーを登録する。
func (s *Service) Register(ctx context.Context, username, pw string) (*model.Identity, error) {
	identity, err := s.registrar.Register(ctx, Credentials{Username: username, Password: pw})
	if err != nil {
		var apiErr *model.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeUsernameTaken:
			s.metrics.RecordRegistration("conflict")
		case errors.As(err, &apiErr):
			s.metrics.RecordRegistration("invalid")
		default:
			s.metrics.RecordRegistration("error")
		}
		return nil, err
	}

	s.metrics.RecordRegistration("success")
	slog.Info("user registered",
		slog.String("user_id", identity.ID),
		slog.String("username", identity.Username),
	)
	return identity, nil
}

// Login は認証に成功した場合にセッションを発行する。
// 失敗時はRATE_LIMITEDまたはINVALID_CREDENTIALSのAPIError、内部エラーの場合はラップしたエラーを返す。
func (s *Service) Login(ctx context.Context, clientIP, username, pw string) (*model.Session, error) {
	outcome := s.authenticator.Authenticate(ctx, clientIP, Credentials{Username: username, Password: pw})

	if !outcome.Succeeded() {
		s.metrics.RecordLoginAttempt("failure", string(outcome.Reason))
		slog.Warn("login failed",
			slog.String("reason", string(outcome.Reason)),
			slog.String("client_ip", clientIP),
		)

		switch outcome.Reason {
		case ReasonRateLimited:
			return nil, model.NewRateLimitedError(outcome.RetryAfter)
		case ReasonInvalidCredentials:
			return nil, model.NewInvalidCredentialsError()
		default:
			return nil, fmt.Errorf("failed to authenticate: %w", outcome.Err)
		}
	}

	sess, err := s.sessions.Issue(ctx, outcome.Identity.ID)
	if err != nil {
		s.metrics.RecordLoginAttempt("failure", string(ReasonInternalError))
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.metrics.RecordLoginAttempt("success", "")
	s.metrics.RecordSessionIssued()
	slog.Info("user logged in", slog.String("user_id", outcome.Identity.ID))
	return sess, nil
}

// Logout はセッションを破棄する。
// セッションが存在しない場合も成功とする。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	if sessionID != "" {
		s.metrics.RecordSessionDestroyed()
		slog.Info("user logged out")
	}
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.Identity, error) {
	return s.RequireSession(ctx, sessionID)
}

// RequireSession はセッションを検証し、紐づくIdentityを返す。
// 無効なセッションにはUNAUTHORIZEDのAPIErrorを返す。
// ストア障害も未認証として扱い、詳細はログに記録する。
func (s *Service) RequireSession(ctx context.Context, sessionID string) (*model.Identity, error) {
	identity, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrInvalid) {
			slog.Error("failed to validate session",
				slog.String("error", err.Error()),
			)
		}
		return nil, model.NewUnauthorizedError()
	}
	return identity, nil
}

