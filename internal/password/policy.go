// Package password はパスワードの強度検証とハッシュ化を提供する。
package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrPolicyViolation はパスワードが強度ポリシーを満たさないことを示す。
var ErrPolicyViolation = errors.New("password does not meet policy")

// DefaultSpecialChars は記号として受け付ける文字の既定セット。
const DefaultSpecialChars = "@$!%*?&"

// Policy はパスワード強度ポリシー。
// ハッシュ化の前に必ず検証する。
type Policy struct {
	MinLength    int    // 最小文字数
	MaxLength    int    // 最大バイト数（bcryptの入力上限）
	SpecialChars string // 記号として受け付ける文字
}

// DefaultPolicy はデフォルトのパスワードポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		MinLength:    8,
		MaxLength:    72,
		SpecialChars: DefaultSpecialChars,
	}
}

// PolicyError はポリシー違反の内容を保持する。
// Violationsには満たしていないルールをすべて列挙する。
type PolicyError struct {
	Violations []string
}

// Error はerrorインターフェースを実装する。
func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyViolation.Error(), strings.Join(e.Violations, "; "))
}

// Unwrap はErrPolicyViolationを返す。
func (e *PolicyError) Unwrap() error {
	return ErrPolicyViolation
}

// Validate はパスワードがポリシーを満たすか検証する。
// 英字・数字・記号セット以外の文字が含まれる場合も違反とする。
func (p Policy) Validate(plaintext string) error {
	var violations []string

	if utf8.RuneCountInString(plaintext) < p.MinLength {
		violations = append(violations, fmt.Sprintf("パスワードは%d文字以上で入力してください。", p.MinLength))
	}
	if p.MaxLength > 0 && len(plaintext) > p.MaxLength {
		violations = append(violations, fmt.Sprintf("パスワードは%dバイト以下で入力してください。", p.MaxLength))
	}

	var hasLower, hasUpper, hasDigit, hasSpecial, hasOther bool
	for _, r := range plaintext {
		switch {
		case r <= unicode.MaxASCII && unicode.IsLower(r):
			hasLower = true
		case r <= unicode.MaxASCII && unicode.IsUpper(r):
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune(p.SpecialChars, r):
			hasSpecial = true
		default:
			hasOther = true
		}
	}

	if !hasLower {
		violations = append(violations, "小文字を1文字以上含めてください。")
	}
	if !hasUpper {
		violations = append(violations, "大文字を1文字以上含めてください。")
	}
	if !hasDigit {
		violations = append(violations, "数字を1文字以上含めてください。")
	}
	if !hasSpecial {
		violations = append(violations, fmt.Sprintf("記号（%s）を1文字以上含めてください。", p.SpecialChars))
	}
	if hasOther {
		violations = append(violations, fmt.Sprintf("使用できる文字は英字・数字・記号（%s）のみです。", p.SpecialChars))
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}
