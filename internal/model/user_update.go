package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// handlePattern はCodeforcesハンドルとして受け付ける形式。
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{3,24}$`)

// 入学年の許容範囲。usersテーブルのCHECK制約と一致させる。
const (
	MinEntryYear = 2000
	MaxEntryYear = 2100
)

// ValidateHandle はCodeforcesハンドルの形式を検証する。
func ValidateHandle(handle string) error {
	if !handlePattern.MatchString(handle) {
		return NewValidationError("codeforces_handle", "debe tener de 3 a 24 caracteres: letras, números, _ o -")
	}
	return nil
}

// ValidateEntryYear は入学年を検証する。
func ValidateEntryYear(year int) error {
	if year < MinEntryYear || year > MaxEntryYear {
		return NewValidationError("entry_year", fmt.Sprintf("debe estar entre %d y %d", MinEntryYear, MaxEntryYear))
	}
	return nil
}

// ValidateImageURL はプロフィール画像URLの形式を検証する。
func ValidateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError("profile_image_url", "debe ser una URL http(s) válida")
	}
	return nil
}

// UserUpdate はプロフィール部分更新で変更可能なフィールドの集合。
// nilのフィールドは変更しない。メールアドレスは認証情報と連動するため含めない。
type UserUpdate struct {
	FullName         *string
	CodeforcesHandle *string
	Birthdate        *time.Time
	DegreeProgram    *string
	EntryYear        *int
	Country          *string
	ProfileImageURL  *string
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (u UserUpdate) IsEmpty() bool {
	return u.FullName == nil &&
		u.CodeforcesHandle == nil &&
		u.Birthdate == nil &&
		u.DegreeProgram == nil &&
		u.EntryYear == nil &&
		u.Country == nil &&
		u.ProfileImageURL == nil
}

// Validate は設定されたフィールドのみを検証する。
// カラムリストを組み立てる前に呼び出すこと。
func (u UserUpdate) Validate() error {
	if u.IsEmpty() {
		return NewValidationError("body", "no hay campos para actualizar")
	}
	if u.FullName != nil && strings.TrimSpace(*u.FullName) == "" {
		return NewValidationError("full_name", "no puede estar vacío")
	}
	if u.CodeforcesHandle != nil {
		if err := ValidateHandle(*u.CodeforcesHandle); err != nil {
			return err
		}
	}
	if u.Birthdate != nil && u.Birthdate.After(time.Now()) {
		return NewValidationError("birthdate", "no puede estar en el futuro")
	}
	if u.DegreeProgram != nil && strings.TrimSpace(*u.DegreeProgram) == "" {
		return NewValidationError("degree_program", "no puede estar vacío")
	}
	if u.EntryYear != nil {
		if err := ValidateEntryYear(*u.EntryYear); err != nil {
			return err
		}
	}
	if u.Country != nil && strings.TrimSpace(*u.Country) == "" {
		return NewValidationError("country", "no puede estar vacío")
	}
	if u.ProfileImageURL != nil && *u.ProfileImageURL != "" {
		if err := ValidateImageURL(*u.ProfileImageURL); err != nil {
			return err
		}
	}
	return nil
}
