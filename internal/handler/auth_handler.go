// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限（1MiB）。
const maxRequestBodyBytes = 1 << 20

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// auth.Serviceが実装する。
type AuthServiceInterface interface {
	Register(ctx context.Context, username, password string) (*model.Identity, error)
	Login(ctx context.Context, clientIP, username, password string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	RequireSession(ctx context.Context, sessionID string) (*model.Identity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie     middleware.SessionCookie
	TrustProxy bool // クライアントIP判定でプロキシヘッダーを信頼するか
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// credentialsRequest は登録・ログインのリクエストボディ。
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type registerResponse struct {
	Message string                `json:"message"`
	User    model.IdentitySummary `json:"user"`
}

type profileResponse struct {
	User model.IdentitySummary `json:"user"`
}

// Register はユーザー登録を処理する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	identity, err := h.service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "ユーザー登録が完了しました。",
		User:    identity.Summary(),
	})
}

// Login はログインを処理し、セッションCookieを発行する。
// リクエストに既存のセッションCookieがあれば、成功時にそのセッションを破棄する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	clientIP := middleware.ClientIP(r, h.config.TrustProxy)
	session, err := h.service.Login(r.Context(), clientIP, req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// ログイン前のセッションは引き継がずに破棄する
	if prev := middleware.SessionIDFromRequest(r); prev != "" && prev != session.ID {
		if err := h.service.Logout(r.Context(), prev); err != nil {
			slog.Warn("failed to revoke previous session", slog.String("error", err.Error()))
		}
	}

	h.config.Cookie.Set(w, session.ID)
	writeJSON(w, http.StatusOK, messageResponse{Message: "ログインしました。"})
}

// Logout はセッションを破棄する。
// セッションの破棄に失敗した場合もCookieはクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromRequest(r)

	err := h.service.Logout(r.Context(), sessionID)
	h.config.Cookie.Clear(w)
	if err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "ログアウトしました。"})
}

// Profile は現在のログインユーザー情報を返す。
// SessionMiddlewareの後に配置する。
// GET /auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	summary, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{User: summary})
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 未知のフィールド、上限を超えるボディ、複数のJSON値は拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層のエラーを適切なHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, model.ErrCodeUsernameTaken, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
