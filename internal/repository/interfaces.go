// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrUsernameTaken はユーザー名が既に登録済みであることを示す。
// 一意性の検査と作成はストア側で原子的に行われる。
var ErrUsernameTaken = errors.New("username already exists")

// ErrSessionExists はセッションIDが衝突したことを示す。
var ErrSessionExists = errors.New("session already exists")

// IdentityRepository は認証情報（Identity）の永続化インターフェース。
// 更新・削除の経路は持たない。
type IdentityRepository interface {
	// Create はIdentityを作成する。
	// ユーザー名が既に存在する場合はErrUsernameTakenを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// FindByUsername はユーザー名でIdentityを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.Identity, error)

	// FindByID は指定IDのIdentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
// 期限切れの判定は呼び出し側で行うため、FindByIDは期限切れのセッションも返しうる。
type SessionRepository interface {
	// Create はセッションを作成する。IDが衝突した場合はErrSessionExistsを返す。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Touch は最終アクティビティ時刻と有効期限を更新する。
	// セッションが存在しない場合は何もしない。
	Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
