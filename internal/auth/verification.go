package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
)

// Notifier はトークン入りのリンクをユーザーへ届ける。
// 実装はコミット後に呼ばれ、送信失敗を呼び出し元へ返さない。
type Notifier interface {
	Notify(kind model.TokenKind, user *model.User, link string)
}

// FlowConfig は確認フローの種別ごとの設定。
type FlowConfig struct {
	TTL             time.Duration
	FrontendBaseURL string
	LinkPath        string // 例: "/verificar-correo"
}

// EmailVerificationConfig はメールアドレス確認フローの既定設定を返す。
func EmailVerificationConfig(frontendBaseURL string, ttl time.Duration) FlowConfig {
	return FlowConfig{TTL: ttl, FrontendBaseURL: frontendBaseURL, LinkPath: "/verificar-correo"}
}

// PasswordResetConfig はパスワード再設定フローの既定設定を返す。
func PasswordResetConfig(frontendBaseURL string, ttl time.Duration) FlowConfig {
	return FlowConfig{TTL: ttl, FrontendBaseURL: frontendBaseURL, LinkPath: "/reiniciar-contrasena"}
}

// VerificationFlow は一回限りトークンの発行と引き換えを行う。
// メール確認とパスワード再設定で同じ実装を使い、TokenRepositoryの種別で区別する。
type VerificationFlow struct {
	cfg      FlowConfig
	tx       repository.Transactor
	tokens   repository.TokenRepository
	notifier Notifier
}

// NewVerificationFlow はVerificationFlowを生成する。
func NewVerificationFlow(cfg FlowConfig, tx repository.Transactor, tokens repository.TokenRepository, notifier Notifier) *VerificationFlow {
	return &VerificationFlow{cfg: cfg, tx: tx, tokens: tokens, notifier: notifier}
}

// Kind はフローのトークン種別を返す。
func (f *VerificationFlow) Kind() model.TokenKind {
	return f.tokens.Kind()
}

// Link は生トークンを含むフロントエンドのディープリンクを返す。
func (f *VerificationFlow) Link(raw string) string {
	return f.cfg.FrontendBaseURL + f.cfg.LinkPath + "?token=" + url.QueryEscape(raw)
}

// Issue は既存の有効トークンを無効化してから新しいトークンを作成し、生トークンを返す。
// ctxにトランザクションがあればその一部として実行する。通知は行わない。
func (f *VerificationFlow) Issue(ctx context.Context, userID string) (string, error) {
	raw, digest, err := IssueToken()
	if err != nil {
		return "", err
	}

	err = f.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := f.tokens.InvalidateActiveForUser(ctx, userID); err != nil {
			return err
		}
		return f.tokens.Create(ctx, &model.VerificationToken{
			ID:        uuid.New().String(),
			UserID:    userID,
			TokenHash: digest,
		}, f.cfg.TTL)
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue %s token: %w", f.Kind(), err)
	}
	return raw, nil
}

// Notify はリンクを非同期で送信する。Issueを含むトランザクションのコミット後に呼ぶこと。
func (f *VerificationFlow) Notify(user *model.User, raw string) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(f.Kind(), user, f.Link(raw))
}

// Request はトークンを発行し、コミット後にリンクを送信する。
func (f *VerificationFlow) Request(ctx context.Context, user *model.User) error {
	raw, err := f.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	f.Notify(user, raw)
	return nil
}

// Redeem はトークンを使用済みにし、同じトランザクション内でeffectを実行する。
// effectが失敗した場合はトークンの消費もロールバックされる。
// 使用済み・期限切れ・存在しないトークンはINVALID_OR_EXPIRED_TOKENを返す。
func (f *VerificationFlow) Redeem(ctx context.Context, raw string, effect func(ctx context.Context, userID string) error) (string, error) {
	if raw == "" {
		return "", model.NewInvalidOrExpiredTokenError()
	}

	var userID string
	err := f.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		userID, err = f.tokens.Consume(ctx, HashToken(raw))
		if err != nil {
			return err
		}
		return effect(ctx, userID)
	})
	if errors.Is(err, repository.ErrTokenNotRedeemable) {
		return "", model.NewInvalidOrExpiredTokenError()
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}
