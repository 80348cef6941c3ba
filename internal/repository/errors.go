package repository

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

var (
	// ErrNotFound は更新対象の行が存在しない場合に返す。
	ErrNotFound = errors.New("repository: not found")

	// ErrActiveSessionExists はユーザーに有効なセッションが既に存在する場合に返す。
	ErrActiveSessionExists = errors.New("repository: active session exists")

	// ErrTokenNotRedeemable はトークンが使用済み・期限切れ・存在しない場合に返す。
	ErrTokenNotRedeemable = errors.New("repository: token not redeemable")

	// ErrDuplicateEmail はメールアドレスの一意制約違反。
	ErrDuplicateEmail = errors.New("repository: duplicate email")

	// ErrDuplicateHandle はCodeforcesハンドルの一意制約違反。
	ErrDuplicateHandle = errors.New("repository: duplicate codeforces handle")
)

// 一意制約名とセンチネルエラーの対応。マイグレーションの制約名と一致させること。
var uniqueConstraintErrors = map[string]error{
	"users_email_key":                ErrDuplicateEmail,
	"auth_identities_local_email_uq": ErrDuplicateEmail,
	"users_codeforces_handle_key":    ErrDuplicateHandle,
}

// mapUniqueViolation は一意制約違反を制約名に応じたセンチネルエラーに変換する。
// 対応しないエラーはそのまま返す。
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pgerrcode.UniqueViolation {
		return err
	}
	if mapped, ok := uniqueConstraintErrors[pqErr.Constraint]; ok {
		return mapped
	}
	return err
}
