package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// tokenTables はトークン種別と格納テーブルの対応。
var tokenTables = map[model.TokenKind]string{
	model.TokenKindEmailVerification: "email_verification_tokens",
	model.TokenKindPasswordReset:     "password_reset_tokens",
}

// PostgresTokenRepo はPostgreSQLを使用した一回限りトークンのリポジトリ。
// 同じ操作を種別ごとのテーブルに対して実行する。
type PostgresTokenRepo struct {
	db    *sql.DB
	kind  model.TokenKind
	table string
}

// NewPostgresTokenRepo は指定種別のPostgresTokenRepoを生成する。
// 未知の種別が渡された場合はpanicする（起動時の配線ミス）。
func NewPostgresTokenRepo(db *sql.DB, kind model.TokenKind) *PostgresTokenRepo {
	table, ok := tokenTables[kind]
	if !ok {
		panic(fmt.Sprintf("repository: unknown token kind %q", kind))
	}
	return &PostgresTokenRepo{db: db, kind: kind, table: table}
}

// Kind はこのリポジトリが扱うトークン種別を返す。
func (r *PostgresTokenRepo) Kind() model.TokenKind {
	return r.kind
}

// InvalidateActiveForUser はユーザーの未使用かつ有効なトークンを使用済みにする。
func (r *PostgresTokenRepo) InvalidateActiveForUser(ctx context.Context, userID string) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET used_at = now()
		 WHERE user_id = $1 AND used_at IS NULL AND expires_at > now()`, r.table),
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate %s tokens: %w", r.kind, err)
	}
	return result.RowsAffected()
}

// Create はトークンを作成する。CreatedAtとExpiresAtはDBの値で上書きされる。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.VerificationToken, ttl time.Duration) error {
	err := conn(ctx, r.db).QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, token_hash, expires_at)
		 VALUES ($1, $2, $3, now() + $4::float8 * interval '1 second')
		 RETURNING created_at, expires_at`, r.table),
		token.ID, token.UserID, token.TokenHash, ttl.Seconds(),
	).Scan(&token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create %s token: %w", r.kind, err)
	}
	return nil
}

// Consume は条件付きUPDATEでトークンを原子的に使用済みにする。
// 競合した場合、後着のリクエストは0行となりErrTokenNotRedeemableを受け取る。
func (r *PostgresTokenRepo) Consume(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := conn(ctx, r.db).QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET used_at = now()
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		 RETURNING user_id`, r.table),
		tokenHash,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenNotRedeemable
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume %s token: %w", r.kind, err)
	}
	return userID, nil
}

// DeleteStale は使用済みまたは期限切れからretention以上経過したトークンを削除する。
func (r *PostgresTokenRepo) DeleteStale(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s
		 WHERE expires_at < now() - $1::float8 * interval '1 second'
		    OR used_at < now() - $1::float8 * interval '1 second'`, r.table),
		retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale %s tokens: %w", r.kind, err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
