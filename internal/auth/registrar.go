package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/repository"
)

// ユーザー名の文字数制限
const (
	usernameMinLength = 3
	usernameMaxLength = 30
)

// IdentityCreator はIdentityを作成するためのインターフェース。
// repository.IdentityRepositoryの部分集合として定義する。
type IdentityCreator interface {
	Create(ctx context.Context, identity *model.Identity) error
}

// Registrar はユーザー登録を行う。
// 入力検証、ハッシュ化、保存の順に処理し、ユーザー名の一意性はストア側で保証する。
type Registrar struct {
	store  IdentityCreator
	hasher password.Hasher
	policy password.Policy
	now    func() time.Time
}

// NewRegistrar はRegistrarを生成する。
func NewRegistrar(store IdentityCreator, hasher password.Hasher, policy password.Policy) *Registrar {
	return &Registrar{
		store:  store,
		hasher: hasher,
		policy: policy,
		now:    time.Now,
	}
}

// Register は新しいIdentityを登録する。
// 入力が不正な場合はVALIDATION_FAILED、ユーザー名が使用済みの場合はUSERNAME_TAKENのAPIErrorを返す。
func (r *Registrar) Register(ctx context.Context, creds Credentials) (*model.Identity, error) {
	if details := r.validate(creds); len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	hash, err := r.hasher.Hash(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &model.Identity{
		ID:           uuid.New().String(),
		Username:     creds.Username,
		PasswordHash: hash,
		CreatedAt:    r.now().UTC(),
	}

	if err := r.store.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, model.NewUsernameTakenError()
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	return identity, nil
}

// validate は入力を検証し、違反内容をユーザー名、パスワードの順に列挙する。
func (r *Registrar) validate(creds Credentials) []string {
	err := validation.ValidateStruct(&creds,
		validation.Field(&creds.Username,
			validation.Required.Error("ユーザー名を入力してください。"),
			validation.RuneLength(usernameMinLength, usernameMaxLength).
				Error(fmt.Sprintf("ユーザー名は%d〜%d文字で入力してください。", usernameMinLength, usernameMaxLength)),
		),
		validation.Field(&creds.Password,
			validation.By(func(value interface{}) error {
				s, _ := value.(string)
				return r.policy.Validate(s)
			}),
		),
	)
	if err == nil {
		return nil
	}

	errs, ok := err.(validation.Errors)
	if !ok {
		return []string{err.Error()}
	}

	var details []string
	for _, field := range []string{"username", "password"} {
		fieldErr, ok := errs[field]
		if !ok || fieldErr == nil {
			continue
		}
		var policyErr *password.PolicyError
		if errors.As(fieldErr, &policyErr) {
			details = append(details, policyErr.Violations...)
			continue
		}
		details = append(details, fieldErr.Error())
	}
	return details
}
