package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authgate/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したIdentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// Create はIdentityを作成する。
// usernameのUNIQUE制約とON CONFLICT DO NOTHINGにより、並行登録でも重複は1件も成功しない。
// 行が返らなかった場合を重複とみなし、ドライバのエラーコードには依存しない。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO identities (id, username, password_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO NOTHING
		 RETURNING id`,
		identity.ID, identity.Username, identity.PasswordHash, identity.CreatedAt,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// FindByUsername はユーザー名でIdentityを検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByUsername(ctx context.Context, username string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT id, username, password_hash, created_at FROM identities WHERE username = $1`,
		username,
	)
}

// FindByID は指定IDのIdentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	return r.findOne(ctx,
		`SELECT id, username, password_hash, created_at FROM identities WHERE id = $1`,
		id,
	)
}

func (r *PostgresIdentityRepo) findOne(ctx context.Context, query string, arg string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&identity.ID, &identity.Username, &identity.PasswordHash, &identity.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	return identity, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
