// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code       string        // エラーコード
	Message    string        // エラーメッセージ
	Category   string        // カテゴリ: auth, validation, system
	Action     string        // ユーザー向け対処方法
	Details    []string      // 検証エラーの詳細（任意）
	RetryAfter time.Duration // 再試行までの待ち時間（レート制限時のみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力検証エラーを生成する。
// detailsには違反したルールをすべて列挙する。
func NewValidationError(details []string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "入力内容の検証に失敗しました。",
		Category: "validation",
		Action:   "詳細を確認し、入力内容を修正してください。",
		Details:  details,
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
// 重複の検出経路（事前チェックか並行登録か）は区別しない。
func NewUsernameTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  "このユーザー名は既に使用されています。",
		Category: "validation",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// ユーザーが存在しない場合とパスワード不一致の場合で同一の内容を返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewRateLimitedError はログイン試行回数超過エラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "ログイン試行回数が上限に達しました。",
		Category:   "auth",
		Action:     "しばらく待ってから再度お試しください。",
		RetryAfter: retryAfter,
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証されていません。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストの形式が正しくありません。",
		Category: "validation",
		Action:   "usernameとpasswordを含むJSONを送信してください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 原因の詳細はログにのみ記録し、呼び出し元には返さない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
