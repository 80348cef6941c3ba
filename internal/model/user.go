// Package model はドメインモデルを定義する。
package model

import "time"

// ProviderLocal はメールアドレスとパスワードによるローカル認証のプロバイダー名。
const ProviderLocal = "local"

// ロール名。rolesテーブルのシードと一致させること。
const (
	RoleUser  = "user"
	RoleCoach = "coach"
	RoleAdmin = "admin"
)

// KnownRoles はシステムが認識するロールの一覧。
var KnownRoles = []string{RoleUser, RoleCoach, RoleAdmin}

// IsKnownRole はロール名がKnownRolesに含まれるかを返す。
func IsKnownRole(role string) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}

// User はクラブ会員のプロフィールを表す。
type User struct {
	ID               string
	FullName         string
	Email            string
	CodeforcesHandle string
	Birthdate        time.Time
	DegreeProgram    string
	EntryYear        int
	Country          string
	ProfileImageURL  *string
	Roles            []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasAnyRole はユーザーが指定ロールのいずれかを持つかを返す。
func (u *User) HasAnyRole(roles ...string) bool {
	for _, have := range u.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Identity はユーザーと認証プロバイダーの紐付けを表す。
// providerが"local"の場合はEmailとPasswordHashが必須。
// 外部プロバイダーのカラムはスキーマ上の予約のみで、現時点では使用しない。
type Identity struct {
	ID              string
	UserID          string
	Provider        string
	ProviderUserID  *string
	Email           string
	PasswordHash    *string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
}

// IsEmailVerified はメールアドレス確認済みかを返す。
func (i *Identity) IsEmailVerified() bool {
	return i.EmailVerifiedAt != nil
}

// Session はユーザーのログインセッションを表す。
// 生のトークンは保持せず、SHA-256ダイジェストのみを永続化する。
type Session struct {
	ID         string
	UserID     string
	TokenHash  string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// IsActiveAt は指定時刻においてセッションが有効かを返す。
// 本番の有効性判定はDB側のnow()で行うため、主にテストとログ用。
func (s *Session) IsActiveAt(t time.Time) bool {
	return s.RevokedAt == nil && t.Before(s.ExpiresAt)
}

// SessionMeta はセッション作成時に記録するクライアント情報。
type SessionMeta struct {
	IP        string
	UserAgent string
}

// TokenKind は一回限りのトークンの種別を表す。
type TokenKind string

const (
	// TokenKindEmailVerification はメールアドレス確認用トークン。
	TokenKindEmailVerification TokenKind = "email_verification"
	// TokenKindPasswordReset はパスワード再設定用トークン。
	TokenKindPasswordReset TokenKind = "password_reset"
)

// VerificationToken はメール確認・パスワード再設定に使う一回限りのトークンを表す。
type VerificationToken struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}
