package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// MemorySessionRepo はプロセス内メモリを使用したセッションリポジトリ。
// セッション単位で独立に読み書きし、異なるセッション間でロックを共有しない。
type MemorySessionRepo struct {
	sessions sync.Map // map[string]model.Session
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	if _, loaded := r.sessions.LoadOrStore(session.ID, *session); loaded {
		return ErrSessionExists
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, nil
	}
	s := v.(model.Session)
	return &s, nil
}

// Touch は最終アクティビティ時刻と有効期限を更新する。
// 同一セッションへの並行更新は後勝ちとなる。
func (r *MemorySessionRepo) Touch(_ context.Context, id string, lastActivityAt, expiresAt time.Time) error {
	for {
		v, ok := r.sessions.Load(id)
		if !ok {
			return nil
		}
		s := v.(model.Session)
		s.LastActivityAt = lastActivityAt
		s.ExpiresAt = expiresAt
		// 削除済みのセッションを復活させない
		if r.sessions.CompareAndSwap(id, v, s) {
			return nil
		}
	}
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.sessions.Delete(id)
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	r.sessions.Range(func(key, value any) bool {
		s := value.(model.Session)
		if s.ExpiresAt.Before(before) {
			if r.sessions.CompareAndDelete(key, value) {
				n++
			}
		}
		return true
	})
	return n, nil
}

var _ SessionRepository = (*MemorySessionRepo)(nil)
