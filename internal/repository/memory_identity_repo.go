package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/authgate/internal/model"
)

// MemoryIdentityRepo はプロセス内メモリを使用したIdentityリポジトリ。
// 重複検査と挿入を同一ロック内で行う。
type MemoryIdentityRepo struct {
	mu         sync.RWMutex
	byID       map[string]*model.Identity
	byUsername map[string]*model.Identity
}

// NewMemoryIdentityRepo はMemoryIdentityRepoを生成する。
func NewMemoryIdentityRepo() *MemoryIdentityRepo {
	return &MemoryIdentityRepo{
		byID:       make(map[string]*model.Identity),
		byUsername: make(map[string]*model.Identity),
	}
}

// Create はIdentityを作成する。
func (r *MemoryIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUsername[identity.Username]; exists {
		return ErrUsernameTaken
	}

	stored := *identity
	r.byID[stored.ID] = &stored
	r.byUsername[stored.Username] = &stored
	return nil
}

// FindByUsername はユーザー名でIdentityを検索する。
func (r *MemoryIdentityRepo) FindByUsername(_ context.Context, username string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if identity, ok := r.byUsername[username]; ok {
		found := *identity
		return &found, nil
	}
	return nil, nil
}

// FindByID は指定IDのIdentityを取得する。
func (r *MemoryIdentityRepo) FindByID(_ context.Context, id string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if identity, ok := r.byID[id]; ok {
		found := *identity
		return &found, nil
	}
	return nil, nil
}

var _ IdentityRepository = (*MemoryIdentityRepo)(nil)
