package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams はArgon2idの作業係数。
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2idParams はArgon2idのデフォルト係数を返す。
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

var errMalformedHash = errors.New("malformed argon2id hash")

// Argon2idHasher はArgon2idによるHasher実装。
// 出力はPHC形式: $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>
type Argon2idHasher struct {
	params Argon2idParams
}

// NewArgon2idHasher はArgon2idHasherを生成する。
func NewArgon2idHasher(params Argon2idParams) (*Argon2idHasher, error) {
	if params.MemoryKiB < 8*uint32(params.Parallelism) || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2id params: m=%d t=%d p=%d", params.MemoryKiB, params.Iterations, params.Parallelism)
	}
	if params.SaltLength < 8 || params.KeyLength < 16 {
		return nil, fmt.Errorf("invalid argon2id lengths: salt=%d key=%d", params.SaltLength, params.KeyLength)
	}
	return &Argon2idHasher{params: params}, nil
}

// Hash はパスワードをArgon2idでハッシュ化する。
func (h *Argon2idHasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// Verify はパスワードとハッシュを照合する。
// 係数が設定値の2倍を超えるハッシュは照合せずfalseを返す。
func (h *Argon2idHasher) Verify(plaintext, hashed string) bool {
	params, salt, expected, err := decodeArgon2id(hashed)
	if err != nil {
		return false
	}
	if params.MemoryKiB > h.params.MemoryKiB*2 || params.Iterations > h.params.Iterations*2 || params.Parallelism > h.params.Parallelism*2 {
		return false
	}

	key := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}

func decodeArgon2id(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return Argon2idParams{}, nil, nil, errMalformedHash
	}

	return Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)),
		KeyLength:   uint32(len(key)),
	}, salt, key, nil
}

var _ Hasher = (*Argon2idHasher)(nil)
