package auth

import (
	"context"
	"fmt"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
)

// dummyHash は存在しないメールアドレスでのログイン時にも同じコストの照合を行うためのダイジェスト。
// 応答時間からアカウントの存在を推測されないようにする。
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CredentialStore はローカル認証情報（パスワードダイジェスト）の生成・照合・更新を行う。
type CredentialStore struct {
	hasher     PasswordHasher
	identities repository.IdentityRepository
}

// NewCredentialStore はCredentialStoreを生成する。
func NewCredentialStore(hasher PasswordHasher, identities repository.IdentityRepository) *CredentialStore {
	return &CredentialStore{hasher: hasher, identities: identities}
}

// HashPassword は強度ポリシーを満たすパスワードのみダイジェスト化する。
// 満たさない場合はWEAK_PASSWORDを返す。
func (c *CredentialStore) HashPassword(password string) (string, error) {
	if strength := CheckPasswordStrength(password); !strength.OK {
		return "", model.NewWeakPasswordError(strength.Reason())
	}
	digest, err := c.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return digest, nil
}

// Verify はパスワードがダイジェストに一致するかを返す。
func (c *CredentialStore) Verify(password, digest string) bool {
	return c.hasher.Verify(password, digest)
}

// Authenticate はメールアドレスとパスワードでローカルidentityを照合する。
// 未登録と不一致は区別せずUNAUTHENTICATEDを返す。メール確認状態はここでは判定しない。
func (c *CredentialStore) Authenticate(ctx context.Context, email, password string) (*model.Identity, error) {
	identity, err := c.identities.FindLocalByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.PasswordHash == nil {
		c.hasher.Verify(password, dummyHash)
		return nil, model.NewInvalidCredentialsError()
	}
	if !c.hasher.Verify(password, *identity.PasswordHash) {
		return nil, model.NewInvalidCredentialsError()
	}
	return identity, nil
}

// SetPassword はidentityのダイジェストを置き換える。ctxにトランザクションがあればその中で実行される。
func (c *CredentialStore) SetPassword(ctx context.Context, identityID, digest string) error {
	if err := c.identities.UpdatePasswordHash(ctx, identityID, digest); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return nil
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。
// 判定順: 現在のパスワード不一致 → 強度不足 → 現在と同一。
func (c *CredentialStore) ChangePassword(ctx context.Context, userID, current, next string) error {
	identity, err := c.identities.FindLocalByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.PasswordHash == nil {
		return model.NewNotFoundError("cuenta local")
	}

	if !c.hasher.Verify(current, *identity.PasswordHash) {
		return model.NewPasswordMismatchError()
	}
	if strength := CheckPasswordStrength(next); !strength.OK {
		return model.NewWeakPasswordError(strength.Reason())
	}
	if c.hasher.Verify(next, *identity.PasswordHash) {
		return model.NewPasswordReusedError()
	}

	digest, err := c.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return c.SetPassword(ctx, identity.ID, digest)
}
