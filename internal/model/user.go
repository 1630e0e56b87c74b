// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は登録済みアカウントを表す。
// ユーザー名は作成後に変更されず、PasswordHashには平文を格納しない。
type Identity struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// IdentitySummary はAPIレスポンスに載せるIdentityの公開情報。
// パスワードハッシュは含まない。
type IdentitySummary struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary はIdentityの公開情報を返す。
func (i *Identity) Summary() IdentitySummary {
	return IdentitySummary{
		ID:        i.ID,
		Username:  i.Username,
		CreatedAt: i.CreatedAt,
	}
}

// Session はユーザーのログインセッションを表す。
// UserIDはIdentityへの弱参照で、Identityのライフサイクルを所有しない。
type Session struct {
	ID             string
	UserID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// Expired はnow時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
