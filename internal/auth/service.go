// Package auth はパスワード認証、セッション管理、メール確認・パスワード再設定フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
)

// HandleChecker はCodeforcesハンドルの実在確認を行う。
type HandleChecker interface {
	HandleExists(ctx context.Context, handle string) (bool, error)
}

// EventRecorder は認証イベントの結果を記録する。
type EventRecorder interface {
	RecordAuthEvent(event, outcome string)
}

// SignupInput はサインアップの入力値。
type SignupInput struct {
	FullName         string
	Email            string
	Password         string
	CodeforcesHandle string
	Birthdate        time.Time
	DegreeProgram    string
	EntryYear        int
	Country          string
	ProfileImageURL  *string
}

// Validate は入力値の形式を検証する。パスワード強度は別途判定する。
func (in SignupInput) Validate() error {
	if strings.TrimSpace(in.FullName) == "" {
		return model.NewValidationError("full_name", "es obligatorio")
	}
	if err := ValidateEmail(in.Email); err != nil {
		return err
	}
	if err := model.ValidateHandle(in.CodeforcesHandle); err != nil {
		return err
	}
	if in.Birthdate.IsZero() || in.Birthdate.After(time.Now()) {
		return model.NewValidationError("birthdate", "debe ser una fecha válida en el pasado")
	}
	if strings.TrimSpace(in.DegreeProgram) == "" {
		return model.NewValidationError("degree_program", "es obligatorio")
	}
	if err := model.ValidateEntryYear(in.EntryYear); err != nil {
		return err
	}
	if strings.TrimSpace(in.Country) == "" {
		return model.NewValidationError("country", "es obligatorio")
	}
	if in.ProfileImageURL != nil && *in.ProfileImageURL != "" {
		if err := model.ValidateImageURL(*in.ProfileImageURL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEmail はメールアドレスの形式を検証する。表示名付きの形式は受け付けない。
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.NewValidationError("email", "no es un correo válido")
	}
	return nil
}

// LoginResult はログイン成功時に返す値。RawTokenはCookieにのみ設定する。
type LoginResult struct {
	RawToken string
	Session  *model.Session
	User     *model.User
}

// Service は認証に関するユースケースを提供する。
type Service struct {
	tx          repository.Transactor
	users       repository.UserRepository
	identities  repository.IdentityRepository
	credentials *CredentialStore
	sessions    *SessionManager
	emailFlow   *VerificationFlow
	resetFlow   *VerificationFlow
	handles     HandleChecker
	events      EventRecorder
}

// ServiceDeps はServiceの依存関係。handlesとeventsはnilを許容する。
type ServiceDeps struct {
	Tx          repository.Transactor
	Users       repository.UserRepository
	Identities  repository.IdentityRepository
	Credentials *CredentialStore
	Sessions    *SessionManager
	EmailFlow   *VerificationFlow
	ResetFlow   *VerificationFlow
	Handles     HandleChecker
	Events      EventRecorder
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	return &Service{
		tx:          deps.Tx,
		users:       deps.Users,
		identities:  deps.Identities,
		credentials: deps.Credentials,
		sessions:    deps.Sessions,
		emailFlow:   deps.EmailFlow,
		resetFlow:   deps.ResetFlow,
		handles:     deps.Handles,
		events:      deps.Events,
	}
}

// Sessions はセッションマネージャーを返す。認証ミドルウェアが検証に使用する。
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// record は認証イベントの結果を記録する。errがnilの場合はsuccess、APIErrorの場合はそのコード。
func (s *Service) record(event string, err error) {
	if s.events == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = model.ErrCodeInternal
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			outcome = apiErr.Code
		}
	}
	s.events.RecordAuthEvent(event, outcome)
}

// Signup はユーザーとローカルidentityを作成し、確認メールを送信する。
// 検証はすべて書き込み前に行う。ユーザー作成とトークン発行は同一トランザクション。
func (s *Service) Signup(ctx context.Context, in SignupInput) (user *model.User, err error) {
	defer func() { s.record("signup", err) }()

	in.Email = strings.TrimSpace(in.Email)
	in.CodeforcesHandle = strings.TrimSpace(in.CodeforcesHandle)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	digest, err := s.credentials.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	if err := s.checkHandle(ctx, in.CodeforcesHandle); err != nil {
		return nil, err
	}
	if in.ProfileImageURL != nil && *in.ProfileImageURL == "" {
		in.ProfileImageURL = nil
	}

	user = &model.User{
		ID:               uuid.New().String(),
		FullName:         strings.TrimSpace(in.FullName),
		Email:            in.Email,
		CodeforcesHandle: in.CodeforcesHandle,
		Birthdate:        in.Birthdate,
		DegreeProgram:    strings.TrimSpace(in.DegreeProgram),
		EntryYear:        in.EntryYear,
		Country:          strings.TrimSpace(in.Country),
		ProfileImageURL:  in.ProfileImageURL,
	}
	identity := &model.Identity{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Provider:     model.ProviderLocal,
		Email:        in.Email,
		PasswordHash: &digest,
	}

	var raw string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.CreateWithIdentity(ctx, user, identity); err != nil {
			return err
		}
		var err error
		raw, err = s.emailFlow.Issue(ctx, user.ID)
		return err
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateEmail):
		return nil, model.NewEmailAlreadyRegisteredError()
	case errors.Is(err, repository.ErrDuplicateHandle):
		return nil, model.NewHandleAlreadyRegisteredError()
	case err != nil:
		return nil, fmt.Errorf("failed to sign up: %w", err)
	}

	s.emailFlow.Notify(user, raw)

	slog.Info("user signed up", slog.String("user_id", user.ID))
	return user, nil
}

// checkHandle はハンドルがCodeforcesに実在するかを確認する。確認が無効な場合は何もしない。
func (s *Service) checkHandle(ctx context.Context, handle string) error {
	if s.handles == nil {
		return nil
	}
	exists, err := s.handles.HandleExists(ctx, handle)
	if err != nil {
		slog.Warn("codeforces handle check failed",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return model.NewServiceUnavailableError("Codeforces")
	}
	if !exists {
		return model.NewValidationError("codeforces_handle", "no existe en Codeforces")
	}
	return nil
}

// CheckHandle はプロフィール更新時のハンドル確認に使用する。
func (s *Service) CheckHandle(ctx context.Context, handle string) error {
	return s.checkHandle(ctx, handle)
}

// Login は認証情報を照合し、メール確認済みの場合のみセッションを発行する。
// 判定順: 認証情報 → メール確認 → 単一セッション制約。
func (s *Service) Login(ctx context.Context, email, password string, meta model.SessionMeta) (result *LoginResult, err error) {
	defer func() { s.record("login", err) }()

	identity, err := s.credentials.Authenticate(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	if !identity.IsEmailVerified() {
		return nil, model.NewEmailNotVerifiedError()
	}

	// セッション作成より前に読み込み、失敗時に有効セッションを残さない
	user, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthenticatedError()
	}

	raw, session, err := s.sessions.CreateSession(ctx, identity.UserID, meta)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", session.ID),
	)
	return &LoginResult{RawToken: raw, Session: session, User: user}, nil
}

// Logout はセッションを失効させる。失効済みでも成功とする。
func (s *Service) Logout(ctx context.Context, sessionID string) (err error) {
	defer func() { s.record("logout", err) }()

	if sessionID == "" {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// VerifyEmail は確認トークンを引き換え、メールアドレスを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, raw string) (err error) {
	defer func() { s.record("verify_email", err) }()

	userID, err := s.emailFlow.Redeem(ctx, raw, func(ctx context.Context, userID string) error {
		_, err := s.identities.MarkEmailVerified(ctx, userID)
		return err
	})
	if err != nil {
		return err
	}
	slog.Info("email verified", slog.String("user_id", userID))
	return nil
}

// ResendVerification は未確認のアカウントに確認メールを再送する。
// 未登録・確認済みの場合も成功を返し、アカウントの存在を推測させない。
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.record("resend_verification", err) }()

	identity, err := s.identities.FindLocalByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.IsEmailVerified() {
		return nil
	}

	user, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil
	}
	return s.emailFlow.Request(ctx, user)
}

// ForgotPassword はパスワード再設定リンクを送信する。
// 未登録のメールアドレスでも成功を返す。
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	defer func() { s.record("forgot_password", err) }()

	identity, err := s.identities.FindLocalByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		slog.Info("password reset requested for unknown email")
		return nil
	}

	user, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil
	}
	return s.resetFlow.Request(ctx, user)
}

// ResetPassword は再設定トークンを引き換えてパスワードを置き換え、全セッションを失効させる。
// 強度チェックはトークン消費より前に行う。トークン消費・更新・失効は同一トランザクション。
func (s *Service) ResetPassword(ctx context.Context, raw, newPassword string) (err error) {
	defer func() { s.record("reset_password", err) }()

	digest, err := s.credentials.HashPassword(newPassword)
	if err != nil {
		return err
	}

	userID, err := s.resetFlow.Redeem(ctx, raw, func(ctx context.Context, userID string) error {
		identity, err := s.identities.FindLocalByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if identity == nil {
			return fmt.Errorf("local identity not found for user %s", userID)
		}
		if err := s.credentials.SetPassword(ctx, identity.ID, digest); err != nil {
			return err
		}
		_, err = s.sessions.RevokeAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		return err
	}

	slog.Info("password reset", slog.String("user_id", userID))
	return nil
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。現在のセッションは維持する。
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (err error) {
	defer func() { s.record("change_password", err) }()

	if err := s.credentials.ChangePassword(ctx, userID, current, next); err != nil {
		return err
	}
	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}
