// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// SessionCookieName はセッションIDを格納するCookie名。
const SessionCookieName = "sessionId"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// identityContextKey はリクエストコンテキストにIdentitySummaryを格納するためのキー。
	identityContextKey = contextKey("identity")
)

// SessionCookie はセッションCookieの属性。
// HttpOnly、SameSite=Strict、Path=/は固定。
type SessionCookie struct {
	Secure bool
	Domain string
	MaxAge time.Duration
}

// Set はセッションIDをCookieに設定する。
func (c SessionCookie) Set(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(c.MaxAge.Seconds()),
		Expires:  time.Now().Add(c.MaxAge),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear はセッションCookieを削除する。
func (c SessionCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// SessionIDFromRequest はリクエストのCookieからセッションIDを取得する。
// Cookieがない場合は空文字列を返す。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SessionValidator はセッションの検証に必要なインターフェース。
// auth.Serviceが実装する。
type SessionValidator interface {
	RequireSession(ctx context.Context, sessionID string) (*model.Identity, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 認証済みユーザーをリクエストコンテキストに注入し、Cookieの有効期間を延長する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(validator SessionValidator, cookie SessionCookie) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r)
			if sessionID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			identity, err := validator.RequireSession(r.Context(), sessionID)
			if err != nil {
				apiErr := model.NewUnauthorizedError()
				errors.As(err, &apiErr)
				WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
				return
			}

			cookie.Set(w, sessionID)

			ctx := ContextWithUserID(r.Context(), identity.ID)
			ctx = context.WithValue(ctx, identityContextKey, identity.Summary())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// IdentityFromContext はリクエストコンテキストから認証済みユーザーの公開情報を取得する。
func IdentityFromContext(ctx context.Context) (model.IdentitySummary, bool) {
	summary, ok := ctx.Value(identityContextKey).(model.IdentitySummary)
	return summary, ok
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
