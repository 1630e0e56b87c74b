package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost はbcryptのデフォルトコスト。
const DefaultBcryptCost = 10

// BcryptHasher はbcryptによるHasher実装。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。
// costがbcryptの許容範囲外の場合はエラーを返す。
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, cost)
	}
	return &BcryptHasher{cost: cost}, nil
}

// Hash はパスワードをbcryptでハッシュ化する。
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify はパスワードとハッシュを照合する。
func (h *BcryptHasher) Verify(plaintext, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
}

var _ Hasher = (*BcryptHasher)(nil)
