package auth

import (
	"strings"
	"unicode"
)

// パスワード長の制約。上限はバイト数で判定する。
const (
	MinPasswordLength = 8
	MaxPasswordBytes  = 128
)

// PasswordStrength は強度チェックの結果。OKでない場合はMissingに不足理由が入る。
type PasswordStrength struct {
	OK      bool
	Missing []string
}

// Reason は不足理由を1つの文にまとめる。
func (s PasswordStrength) Reason() string {
	return strings.Join(s.Missing, ", ")
}

// CheckPasswordStrength はパスワードが強度ポリシーを満たすかを判定する。
// ポリシー: 8文字以上、128バイト以下、小文字・大文字・数字・記号をそれぞれ1文字以上。
func CheckPasswordStrength(password string) PasswordStrength {
	var missing []string

	if len([]rune(password)) < MinPasswordLength {
		missing = append(missing, "mínimo 8 caracteres")
	}
	if len(password) > MaxPasswordBytes {
		missing = append(missing, "máximo 128 bytes")
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !lower {
		missing = append(missing, "una letra minúscula")
	}
	if !upper {
		missing = append(missing, "una letra mayúscula")
	}
	if !digit {
		missing = append(missing, "un dígito")
	}
	if !symbol {
		missing = append(missing, "un símbolo")
	}

	return PasswordStrength{OK: len(missing) == 0, Missing: missing}
}
