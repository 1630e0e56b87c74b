package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn       func(ctx context.Context, username, password string) (*model.Identity, error)
	loginFn          func(ctx context.Context, clientIP, username, password string) (*model.Session, error)
	logoutFn         func(ctx context.Context, sessionID string) error
	requireSessionFn func(ctx context.Context, sessionID string) (*model.Identity, error)
}

func (m *mockAuthService) Register(ctx context.Context, username, password string) (*model.Identity, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, username, password)
	}
	return nil, nil
}

func (m *mockAuthService) Login(ctx context.Context, clientIP, username, password string) (*model.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, clientIP, username, password)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) RequireSession(ctx context.Context, sessionID string) (*model.Identity, error) {
	if m.requireSessionFn != nil {
		return m.requireSessionFn(ctx, sessionID)
	}
	return nil, model.NewUnauthorizedError()
}

var _ AuthServiceInterface = (*mockAuthService)(nil)

var testHandlerConfig = AuthHandlerConfig{
	Cookie: middleware.SessionCookie{MaxAge: 24 * time.Hour},
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeErrorBody(t *testing.T, resp *http.Response) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- Register ---

func TestAuthHandler_Register_Created(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockAuthService{
		registerFn: func(_ context.Context, username, password string) (*model.Identity, error) {
			if username != "alice" || password != "Str0ng!Pass" {
				t.Errorf("Register(%q, %q), want alice/Str0ng!Pass", username, password)
			}
			return &model.Identity{ID: "user-1", Username: username, PasswordHash: "$2a$10$secret", CreatedAt: createdAt}, nil
		},
	}
	h := NewAuthHandler(svc, testHandlerConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","password":"Str0ng!Pass"}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["message"] != "ユーザー登録が完了しました。" {
		t.Errorf("message = %v", body["message"])
	}
	user, _ := body["user"].(map[string]interface{})
	if user["id"] != "user-1" || user["username"] != "alice" {
		t.Errorf("user = %v, want id=user-1 username=alice", user)
	}
	if _, ok := user["password_hash"]; ok {
		t.Error("response must not contain the password hash")
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("response leaks the password hash")
	}
}

func TestAuthHandler_Register_ValidationFailed(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(_ context.Context, _, _ string) (*model.Identity, error) {
			return nil, model.NewValidationError([]string{"ユーザー名は3〜30文字で入力してください。"})
		},
	}
	h := NewAuthHandler(svc, testHandlerConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", `{"username":"al","password":"Str0ng!Pass"}`))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
	body := decodeErrorBody(t, w.Result())
	if body.Code != model.ErrCodeValidationFailed || len(body.Details) != 1 {
		t.Errorf("body = %+v, want VALIDATION_FAILED with 1 detail", body)
	}
}

func TestAuthHandler_Register_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"username":`},
		{"unknown field", `{"username":"alice","password":"x","admin":true}`},
		{"trailing data", `{"username":"alice","password":"x"}{}`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := NewAuthHandler(&mockAuthService{
				registerFn: func(_ context.Context, _, _ string) (*model.Identity, error) {
					called = true
					return nil, nil
				},
			}, testHandlerConfig)

			w := httptest.NewRecorder()
			h.Register(w, jsonRequest(http.MethodPost, "/auth/register", tt.body))

			if w.Result().StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
			}
			if body := decodeErrorBody(t, w.Result()); body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
			}
			if called {
				t.Error("service must not be called for an invalid body")
			}
		})
	}
}

func TestAuthHandler_Register_InternalError(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{
		registerFn: func(_ context.Context, _, _ string) (*model.Identity, error) {
			return nil, errors.New("pq: connection refused")
		},
	}, testHandlerConfig)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", `{"username":"alice","password":"Str0ng!Pass"}`))

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "pq:") {
		t.Error("internal error detail must not be exposed")
	}
}

// --- Login ---

func TestAuthHandler_Login_SetsSessionCookie(t *testing.T) {
	var gotIP string
	h := NewAuthHandler(&mockAuthService{
		loginFn: func(_ context.Context, clientIP, _, _ string) (*model.Session, error) {
			gotIP = clientIP
			return &model.Session{ID: "session-abc", UserID: "user-1"}, nil
		},
	}, AuthHandlerConfig{Cookie: middleware.SessionCookie{Secure: true, MaxAge: 24 * time.Hour}})

	req := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"Str0ng!Pass"}`)
	req.RemoteAddr = "192.0.2.1:4000"
	w := httptest.NewRecorder()
	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotIP != "192.0.2.1" {
		t.Errorf("clientIP = %q, want %q", gotIP, "192.0.2.1")
	}

	cookies := resp.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Set-Cookie count = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "sessionId" || c.Value != "session-abc" {
		t.Errorf("cookie = %s=%s, want sessionId=session-abc", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie attributes = %+v", c)
	}
	if c.MaxAge != 86400 {
		t.Errorf("MaxAge = %d, want 86400", c.MaxAge)
	}

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["message"] != "ログインしました。" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestAuthHandler_Login_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", model.NewInvalidCredentialsError(), http.StatusUnauthorized, model.ErrCodeInvalidCredentials},
		{"rate limited", model.NewRateLimitedError(10 * time.Minute), http.StatusTooManyRequests, model.ErrCodeRateLimited},
		{"internal", errors.New("redis down"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(&mockAuthService{
				loginFn: func(_ context.Context, _, _, _ string) (*model.Session, error) {
					return nil, tt.err
				},
			}, testHandlerConfig)

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong"}`))

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if body := decodeErrorBody(t, resp); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if len(resp.Cookies()) != 0 {
				t.Error("failed login must not set a cookie")
			}
			if tt.wantStatus == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "600" {
				t.Errorf("Retry-After = %q, want %q", resp.Header.Get("Retry-After"), "600")
			}
		})
	}
}

func TestAuthHandler_Login_RevokesPreviousSession(t *testing.T) {
	var revoked []string
	h := NewAuthHandler(&mockAuthService{
		loginFn: func(_ context.Context, _, _, _ string) (*model.Session, error) {
			return &model.Session{ID: "session-new", UserID: "user-1"}, nil
		},
		logoutFn: func(_ context.Context, sessionID string) error {
			revoked = append(revoked, sessionID)
			return nil
		},
	}, testHandlerConfig)

	req := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"Str0ng!Pass"}`)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-old"})
	w := httptest.NewRecorder()
	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(revoked) != 1 || revoked[0] != "session-old" {
		t.Errorf("revoked = %v, want [session-old]", revoked)
	}
	cookies := resp.Cookies()
	if len(cookies) != 1 || cookies[0].Value != "session-new" {
		t.Errorf("cookies = %+v, want sessionId=session-new", cookies)
	}
}

func TestAuthHandler_Login_RevokeFailureStillSucceeds(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{
		loginFn: func(_ context.Context, _, _, _ string) (*model.Session, error) {
			return &model.Session{ID: "session-new"}, nil
		},
		logoutFn: func(_ context.Context, _ string) error { return errors.New("db down") },
	}, testHandlerConfig)

	req := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"Str0ng!Pass"}`)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-old"})
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthHandler_Login_FailureKeepsPreviousSession(t *testing.T) {
	logoutCalled := false
	h := NewAuthHandler(&mockAuthService{
		loginFn: func(_ context.Context, _, _, _ string) (*model.Session, error) {
			return nil, model.NewInvalidCredentialsError()
		},
		logoutFn: func(_ context.Context, _ string) error {
			logoutCalled = true
			return nil
		},
	}, testHandlerConfig)

	req := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong"}`)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-old"})
	h.Login(httptest.NewRecorder(), req)

	if logoutCalled {
		t.Error("failed login must not revoke the existing session")
	}
}

func TestAuthHandler_Login_TrustProxy(t *testing.T) {
	var gotIP string
	h := NewAuthHandler(&mockAuthService{
		loginFn: func(_ context.Context, clientIP, _, _ string) (*model.Session, error) {
			gotIP = clientIP
			return &model.Session{ID: "s"}, nil
		},
	}, AuthHandlerConfig{TrustProxy: true})

	req := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"x"}`)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	h.Login(httptest.NewRecorder(), req)

	if gotIP != "203.0.113.5" {
		t.Errorf("clientIP = %q, want %q", gotIP, "203.0.113.5")
	}
}

// --- Logout ---

func TestAuthHandler_Logout_ClearsCookie(t *testing.T) {
	var gotSessionID string
	h := NewAuthHandler(&mockAuthService{
		logoutFn: func(_ context.Context, sessionID string) error {
			gotSessionID = sessionID
			return nil
		},
	}, testHandlerConfig)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-abc"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotSessionID != "session-abc" {
		t.Errorf("sessionID = %q, want %q", gotSessionID, "session-abc")
	}
	cookies := resp.Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("cookies = %+v, want one expired cookie", cookies)
	}
}

func TestAuthHandler_Logout_StoreErrorStillClearsCookie(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{
		logoutFn: func(_ context.Context, _ string) error { return errors.New("db down") },
	}, testHandlerConfig)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "session-abc"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	if len(resp.Cookies()) != 1 {
		t.Error("cookie should be cleared even when logout fails")
	}
}

// --- Profile ---

func TestAuthHandler_Profile_NoIdentity_Returns401(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testHandlerConfig)

	w := httptest.NewRecorder()
	h.Profile(w, httptest.NewRequest(http.MethodGet, "/auth/profile", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeValidationFailed, http.StatusBadRequest},
		{model.ErrCodeUsernameTaken, http.StatusBadRequest},
		{model.ErrCodeInvalidRequest, http.StatusBadRequest},
		{model.ErrCodeInvalidCredentials, http.StatusUnauthorized},
		{model.ErrCodeUnauthorized, http.StatusUnauthorized},
		{model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{model.ErrCodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
			t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
