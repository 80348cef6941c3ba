package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// CreateActive はユーザー行をFOR UPDATEでロックしてから有効セッションの有無を確認し、
// 無い場合のみ作成する。同一ユーザーの並行ログインはロックで直列化される。
func (r *PostgresSessionRepo) CreateActive(ctx context.Context, session *model.Session, ttl time.Duration) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)

		var locked string
		err := q.QueryRowContext(ctx,
			`SELECT id FROM users WHERE id = $1 FOR UPDATE`,
			session.UserID,
		).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		var exists bool
		err = q.QueryRowContext(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM sessions
			     WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
			 )`,
			session.UserID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check active session: %w", err)
		}
		if exists {
			return ErrActiveSessionExists
		}

		err = q.QueryRowContext(ctx,
			`INSERT INTO sessions (id, user_id, token_hash, ip, user_agent, expires_at)
			 VALUES ($1, $2, $3, $4, $5, now() + $6::float8 * interval '1 second')
			 RETURNING created_at, last_seen_at, expires_at`,
			session.ID, session.UserID, session.TokenHash,
			nullIfEmpty(session.IP), nullIfEmpty(session.UserAgent), ttl.Seconds(),
		).Scan(&session.CreatedAt, &session.LastSeenAt, &session.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// FindActiveByTokenHash はダイジェストで有効なセッションを検索する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	session := &model.Session{}
	var ip, userAgent sql.NullString
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, ip, user_agent, created_at, last_seen_at, expires_at, revoked_at
		 FROM sessions
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&session.ID, &session.UserID, &session.TokenHash, &ip, &userAgent,
		&session.CreatedAt, &session.LastSeenAt, &session.ExpiresAt, &session.RevokedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	session.IP = ip.String
	session.UserAgent = userAgent.String

	return session, nil
}

// TouchLastSeen はlast_seen_atを現在時刻に更新する。
func (r *PostgresSessionRepo) TouchLastSeen(ctx context.Context, id string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke はセッションを失効させる。既に失効済みの場合はrevoked_atを変更しない。
func (r *PostgresSessionRepo) Revoke(ctx context.Context, id string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser はユーザーの全ての未失効セッションを失効させる。
func (r *PostgresSessionRepo) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteStale は期限切れまたは失効からretention以上経過したセッションを削除する。
func (r *PostgresSessionRepo) DeleteStale(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE expires_at < now() - $1::float8 * interval '1 second'
		    OR revoked_at < now() - $1::float8 * interval '1 second'`,
		retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return result.RowsAffected()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
