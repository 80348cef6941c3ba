// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
package repository

import (
	"context"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// Transactor は関数をトランザクション内で実行する。
// ctxに既存のトランザクションがある場合はそれを再利用する。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository はユーザープロフィールとロールの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーをロール付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザー、ローカルidentity、既定ロールを同一トランザクションで作成する。
	// 一意制約違反はErrDuplicateEmail / ErrDuplicateHandleとして返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// Update は設定されたフィールドのみを更新し、更新後のユーザーを返す。
	// 見つからない場合はErrNotFoundを返す。
	Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error)

	// ListRoles はユーザーのロール名を名前順で返す。
	ListRoles(ctx context.Context, userID string) ([]string, error)

	// AssignRole はロールを付与する。付与済みの場合は何もしない。
	AssignRole(ctx context.Context, userID, role string) error

	// RevokeRole はロールを剥奪する。未付与の場合は何もしない。
	RevokeRole(ctx context.Context, userID, role string) error
}

// IdentityRepository は認証プロバイダー紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindLocalByEmail はローカルidentityをメールアドレスで検索する。見つからない場合はnilを返す。
	FindLocalByEmail(ctx context.Context, email string) (*model.Identity, error)

	// FindLocalByUserID はユーザーのローカルidentityを取得する。見つからない場合はnilを返す。
	FindLocalByUserID(ctx context.Context, userID string) (*model.Identity, error)

	// UpdatePasswordHash はパスワードダイジェストを置き換える。
	UpdatePasswordHash(ctx context.Context, identityID, passwordHash string) error

	// MarkEmailVerified はローカルidentityのemail_verified_atを未設定の場合のみ設定する。
	// 今回の呼び出しで設定した場合にtrueを返す。
	MarkEmailVerified(ctx context.Context, userID string) (bool, error)
}

// SessionRepository はセッションの永続化インターフェース。
// 有効性の判定はすべてDB側のnow()で行う。
type SessionRepository interface {
	// CreateActive はユーザー行をロックし、有効なセッションが無い場合のみ作成する。
	// 有効なセッションが存在する場合はErrActiveSessionExistsを返す。
	// CreatedAt、LastSeenAt、ExpiresAtはDBの値で上書きされる。
	CreateActive(ctx context.Context, session *model.Session, ttl time.Duration) error

	// FindActiveByTokenHash はダイジェストで有効なセッションを検索する。
	// 存在しない、失効済み、期限切れの場合はnilを返す。
	FindActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)

	// TouchLastSeen はlast_seen_atを現在時刻に更新する。
	TouchLastSeen(ctx context.Context, id string) error

	// Revoke はセッションを失効させる。失効済み・存在しない場合も成功とする。
	Revoke(ctx context.Context, id string) error

	// RevokeAllForUser はユーザーの全ての未失効セッションを失効させ、件数を返す。
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)

	// DeleteStale は期限切れまたは失効からretention以上経過したセッションを削除する。
	DeleteStale(ctx context.Context, retention time.Duration) (int64, error)
}

// TokenRepository は一回限りのトークンの永続化インターフェース。
// 種別ごとに別テーブルを使用する。
type TokenRepository interface {
	// Kind はこのリポジトリが扱うトークン種別を返す。
	Kind() model.TokenKind

	// InvalidateActiveForUser はユーザーの未使用かつ有効なトークンを使用済みにする。
	InvalidateActiveForUser(ctx context.Context, userID string) (int64, error)

	// Create はトークンを作成する。ExpiresAtはnow()+ttlで設定される。
	Create(ctx context.Context, token *model.VerificationToken, ttl time.Duration) error

	// Consume はトークンを原子的に使用済みにしてユーザーIDを返す。
	// 使用済み・期限切れ・存在しない場合はErrTokenNotRedeemableを返す。
	Consume(ctx context.Context, tokenHash string) (string, error)

	// DeleteStale は使用済みまたは期限切れからretention以上経過したトークンを削除する。
	DeleteStale(ctx context.Context, retention time.Duration) (int64, error)
}
