package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const selectIdentity = `
	SELECT id, user_id, provider, provider_user_id, email, password_hash, email_verified_at, created_at
	FROM auth_identities`

// FindLocalByEmail はローカルidentityをメールアドレスで検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindLocalByEmail(ctx context.Context, email string) (*model.Identity, error) {
	identity, err := scanIdentity(conn(ctx, r.db).QueryRowContext(ctx,
		selectIdentity+` WHERE provider = $1 AND email = $2`, model.ProviderLocal, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by email: %w", err)
	}
	return identity, nil
}

// FindLocalByUserID はユーザーのローカルidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindLocalByUserID(ctx context.Context, userID string) (*model.Identity, error) {
	identity, err := scanIdentity(conn(ctx, r.db).QueryRowContext(ctx,
		selectIdentity+` WHERE provider = $1 AND user_id = $2`, model.ProviderLocal, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by user: %w", err)
	}
	return identity, nil
}

func scanIdentity(row *sql.Row) (*model.Identity, error) {
	identity := &model.Identity{}
	var email sql.NullString
	err := row.Scan(
		&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID,
		&email, &identity.PasswordHash, &identity.EmailVerifiedAt, &identity.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	identity.Email = email.String
	return identity, nil
}

// UpdatePasswordHash はパスワードダイジェストを置き換える。
func (r *PostgresIdentityRepo) UpdatePasswordHash(ctx context.Context, identityID, passwordHash string) error {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE auth_identities SET password_hash = $2 WHERE id = $1`,
		identityID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified はemail_verified_atが未設定の場合のみ現在時刻を設定する。
func (r *PostgresIdentityRepo) MarkEmailVerified(ctx context.Context, userID string) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE auth_identities SET email_verified_at = now()
		 WHERE user_id = $1 AND provider = $2 AND email_verified_at IS NULL`,
		userID, model.ProviderLocal,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark email verified: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
