package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// --- モック定義 ---

type mockSessionValidator struct {
	requireSessionFn func(ctx context.Context, sessionID string) (*model.Identity, error)
	calls            int
}

func (m *mockSessionValidator) RequireSession(ctx context.Context, sessionID string) (*model.Identity, error) {
	m.calls++
	if m.requireSessionFn != nil {
		return m.requireSessionFn(ctx, sessionID)
	}
	return nil, model.NewUnauthorizedError()
}

var _ SessionValidator = (*mockSessionValidator)(nil)

var testCookie = SessionCookie{MaxAge: 24 * time.Hour}

func validatorFor(sessionID string, identity *model.Identity) *mockSessionValidator {
	return &mockSessionValidator{
		requireSessionFn: func(_ context.Context, id string) (*model.Identity, error) {
			if id == sessionID {
				return identity, nil
			}
			return nil, model.NewUnauthorizedError()
		},
	}
}

func TestSessionMiddleware_ValidSession_InjectsIdentity(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	validator := validatorFor("valid-session", &model.Identity{
		ID:           "user-123",
		Username:     "alice",
		PasswordHash: "$2a$10$hash",
		CreatedAt:    createdAt,
	})

	var capturedUserID string
	var capturedSummary model.IdentitySummary
	handler := NewSessionMiddleware(validator, testCookie)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID, _ = UserIDFromContext(r.Context())
		capturedSummary, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedSummary.Username != "alice" || !capturedSummary.CreatedAt.Equal(createdAt) {
		t.Errorf("summary = %+v, want alice", capturedSummary)
	}
}

func TestSessionMiddleware_ValidSession_RefreshesCookie(t *testing.T) {
	validator := validatorFor("valid-session", &model.Identity{ID: "user-123", Username: "alice"})

	handler := NewSessionMiddleware(validator, SessionCookie{Secure: true, MaxAge: time.Hour})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Set-Cookie count = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != SessionCookieName || c.Value != "valid-session" {
		t.Errorf("cookie = %s=%s, want %s=valid-session", c.Name, c.Value, SessionCookieName)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Errorf("cookie attributes = %+v, want HttpOnly Secure SameSite=Strict Path=/", c)
	}
}

func TestSessionMiddleware_NoSessionCookie_Returns401(t *testing.T) {
	validator := &mockSessionValidator{}
	nextCalled := false
	handler := NewSessionMiddleware(validator, testCookie)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if nextCalled {
		t.Error("next handler must not be called")
	}
	if validator.calls != 0 {
		t.Errorf("validator calls = %d, want 0", validator.calls)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

func TestSessionMiddleware_InvalidSession_Returns401(t *testing.T) {
	validator := validatorFor("valid-session", &model.Identity{ID: "user-123"})
	nextCalled := false
	handler := NewSessionMiddleware(validator, testCookie)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "expired-session"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if nextCalled {
		t.Error("next handler must not be called")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("cookie must not be refreshed for an invalid session")
	}
}

func TestSessionMiddleware_NonAPIError_Returns401(t *testing.T) {
	validator := &mockSessionValidator{
		requireSessionFn: func(_ context.Context, _ string) (*model.Identity, error) {
			return nil, errors.New("boom")
		},
	}
	handler := NewSessionMiddleware(validator, testCookie)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "abc"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var body ErrorResponseBody
	json.NewDecoder(w.Result().Body).Decode(&body)
	if w.Result().StatusCode != http.StatusUnauthorized || body.Code != model.ErrCodeUnauthorized {
		t.Errorf("response = %d %q, want 401 %q", w.Result().StatusCode, body.Code, model.ErrCodeUnauthorized)
	}
}

func TestSessionCookie_Clear(t *testing.T) {
	w := httptest.NewRecorder()
	SessionCookie{Domain: "example.com"}.Clear(w)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Set-Cookie count = %d, want 1", len(cookies))
	}
	if cookies[0].MaxAge >= 0 || cookies[0].Value != "" {
		t.Errorf("cookie = %+v, want expired empty cookie", cookies[0])
	}
}

func TestSessionIDFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := SessionIDFromRequest(req); id != "" {
		t.Errorf("SessionIDFromRequest = %q, want empty", id)
	}

	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "abc"})
	if id := SessionIDFromRequest(req); id != "abc" {
		t.Errorf("SessionIDFromRequest = %q, want %q", id, "abc")
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user ID")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
}
