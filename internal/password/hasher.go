package password

import (
	"fmt"
	"strings"
)

// Hasher はパスワードの一方向ハッシュ化と照合を行う。
// Hashの戻り値はソルトとコストを内包する自己記述形式であり、
// Verifyは不正な形式のハッシュに対してエラーではなくfalseを返す。
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hashed string) bool
}

// アルゴリズム名
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// Config はハッシュアルゴリズムと作業係数の設定。
type Config struct {
	Algorithm  string
	BcryptCost int
	Argon2id   Argon2idParams
}

// DefaultConfig はデフォルトのハッシュ設定を返す。
func DefaultConfig() Config {
	return Config{
		Algorithm:  AlgorithmBcrypt,
		BcryptCost: DefaultBcryptCost,
		Argon2id:   DefaultArgon2idParams(),
	}
}

// NewHasher は設定に応じたHasherを生成する。
// Hashは設定されたアルゴリズムで行い、Verifyはハッシュの接頭辞からアルゴリズムを判別する。
// PASSWORD_HASHERを切り替えても既存のハッシュは照合できる。
func NewHasher(cfg Config) (Hasher, error) {
	bh, err := NewBcryptHasher(verifyBcryptCost(cfg))
	if err != nil {
		return nil, err
	}

	var primary Hasher
	var ah *Argon2idHasher
	switch cfg.Algorithm {
	case AlgorithmBcrypt, "":
		if primary, err = NewBcryptHasher(cfg.BcryptCost); err != nil {
			return nil, err
		}
		// 照合専用。設定値が不正ならデフォルト係数を上限判定に使う
		if ah, err = NewArgon2idHasher(cfg.Argon2id); err != nil {
			ah, _ = NewArgon2idHasher(DefaultArgon2idParams())
		}
	case AlgorithmArgon2id:
		if ah, err = NewArgon2idHasher(cfg.Argon2id); err != nil {
			return nil, err
		}
		primary = ah
	default:
		return nil, fmt.Errorf("unsupported password hasher: %q", cfg.Algorithm)
	}

	return &multiHasher{primary: primary, bcrypt: bh, argon2id: ah}, nil
}

// verifyBcryptCost は照合用bcryptハッシャーのコストを返す。
// bcryptの照合はハッシュ内のコストを使うため、値は範囲内であれば何でもよい。
func verifyBcryptCost(cfg Config) int {
	if cfg.Algorithm == AlgorithmBcrypt || cfg.Algorithm == "" {
		return cfg.BcryptCost
	}
	return DefaultBcryptCost
}

// multiHasher は生成をprimaryに委ね、照合をハッシュ形式ごとに振り分ける。
type multiHasher struct {
	primary  Hasher
	bcrypt   *BcryptHasher
	argon2id *Argon2idHasher
}

func (h *multiHasher) Hash(plaintext string) (string, error) {
	return h.primary.Hash(plaintext)
}

func (h *multiHasher) Verify(plaintext, hashed string) bool {
	switch {
	case strings.HasPrefix(hashed, "$argon2id$"):
		return h.argon2id.Verify(plaintext, hashed)
	case strings.HasPrefix(hashed, "$2a$"), strings.HasPrefix(hashed, "$2b$"), strings.HasPrefix(hashed, "$2y$"):
		return h.bcrypt.Verify(plaintext, hashed)
	default:
		return false
	}
}

var _ Hasher = (*multiHasher)(nil)
