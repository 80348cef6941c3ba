package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// signupAndVerify は確認済みのユーザーを作成する。
func (e *testEnv) signupAndVerify(t *testing.T, email, handle, password string) *model.User {
	t.Helper()
	user, err := e.svc.Signup(context.Background(), validSignup(email, handle, password))
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if err := e.svc.VerifyEmail(context.Background(), e.notifier.lastToken(model.TokenKindEmailVerification)); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}
	return user
}

// TestAuthScenario はサインアップから再設定後の旧セッション失効までを通しで検証する。
func TestAuthScenario(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	meta := model.SessionMeta{IP: "127.0.0.1", UserAgent: "go-test"}

	// 1. 弱いパスワードは拒否され、何も作成されない
	_, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "abcd1234"))
	if !model.HasCode(err, model.ErrCodeWeakPassword) {
		t.Fatalf("weak signup error = %v, want WEAK_PASSWORD", err)
	}
	if len(e.store.users) != 0 {
		t.Fatal("弱いパスワードでユーザーが作成された")
	}

	// 2. 強いパスワードで作成され、確認メールが送られる
	user, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "Abcd123!"))
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if e.notifier.count(model.TokenKindEmailVerification) != 1 {
		t.Fatal("確認メールが送信されていない")
	}

	// 3. 未確認ではログインできない
	_, err = e.svc.Login(ctx, "ada@example.com", "Abcd123!", meta)
	if !model.HasCode(err, model.ErrCodeEmailNotVerified) {
		t.Fatalf("unverified login error = %v, want EMAIL_NOT_VERIFIED", err)
	}

	// 4. 確認後はログインできる
	if err := e.svc.VerifyEmail(ctx, e.notifier.lastToken(model.TokenKindEmailVerification)); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}
	first, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", meta)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if first.User.ID != user.ID || first.RawToken == "" {
		t.Fatalf("Login() = %+v", first)
	}

	// 5. 有効なセッションがある間は2つ目のログインを拒否する
	_, err = e.svc.Login(ctx, "ada@example.com", "Abcd123!", meta)
	if !model.HasCode(err, model.ErrCodeConcurrentSession) {
		t.Fatalf("second login error = %v, want CONCURRENT_SESSION_EXISTS", err)
	}

	// 6. パスワード再設定で全セッションが失効する
	if err := e.svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("ForgotPassword() error = %v", err)
	}
	if err := e.svc.ResetPassword(ctx, e.notifier.lastToken(model.TokenKindPasswordReset), "Newpass9?"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if _, _, err := e.svc.Sessions().ValidateSession(ctx, first.RawToken); !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Fatalf("old session after reset error = %v, want UNAUTHENTICATED", err)
	}

	// 7. 旧パスワードは使えず、新パスワードでログインできる
	if _, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", meta); !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Errorf("old password login error = %v, want UNAUTHENTICATED", err)
	}
	if _, err := e.svc.Login(ctx, "ada@example.com", "Newpass9?", meta); err != nil {
		t.Errorf("new password login error = %v", err)
	}
}

func TestSignup_ValidationBeforeWrites(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(in *SignupInput)
		wantCode string
	}{
		{"氏名なし", func(in *SignupInput) { in.FullName = " " }, model.ErrCodeValidation},
		{"メール形式不正", func(in *SignupInput) { in.Email = "not-an-email" }, model.ErrCodeValidation},
		{"表示名付きメール", func(in *SignupInput) { in.Email = "Ada <ada@example.com>" }, model.ErrCodeValidation},
		{"ハンドル形式不正", func(in *SignupInput) { in.CodeforcesHandle = "a b" }, model.ErrCodeValidation},
		{"未来の生年月日", func(in *SignupInput) { in.Birthdate = time.Now().AddDate(1, 0, 0) }, model.ErrCodeValidation},
		{"入学年範囲外", func(in *SignupInput) { in.EntryYear = 1999 }, model.ErrCodeValidation},
		{"画像URL不正", func(in *SignupInput) { u := "ftp://x"; in.ProfileImageURL = &u }, model.ErrCodeValidation},
		{"弱いパスワード", func(in *SignupInput) { in.Password = "Abcdefgh" }, model.ErrCodeWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv()
			in := validSignup("ada@example.com", "ada_l", "Abcd123!")
			tt.mutate(&in)

			_, err := e.svc.Signup(context.Background(), in)
			if !model.HasCode(err, tt.wantCode) {
				t.Fatalf("Signup() error = %v, want %s", err, tt.wantCode)
			}
			if len(e.store.users) != 0 || e.notifier.count(model.TokenKindEmailVerification) != 0 {
				t.Error("検証エラーなのに書き込みまたは送信が行われた")
			}
		})
	}
}

func TestSignup_Duplicates(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	if _, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "Abcd123!")); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	_, err := e.svc.Signup(ctx, validSignup("ADA@example.com", "other", "Abcd123!"))
	if !model.HasCode(err, model.ErrCodeEmailAlreadyRegistered) {
		t.Errorf("duplicate email error = %v, want EMAIL_ALREADY_REGISTERED", err)
	}

	_, err = e.svc.Signup(ctx, validSignup("grace@example.com", "ada_l", "Abcd123!"))
	if !model.HasCode(err, model.ErrCodeHandleAlreadyRegistered) {
		t.Errorf("duplicate handle error = %v, want HANDLE_ALREADY_REGISTERED", err)
	}

	if e.notifier.count(model.TokenKindEmailVerification) != 1 {
		t.Errorf("失敗したサインアップで確認メールが送信された")
	}
}

func TestSignup_HandleCheck(t *testing.T) {
	t.Run("外部サービス障害はSERVICE_UNAVAILABLE", func(t *testing.T) {
		e := newTestEnv()
		e.handles.handleExistsFn = func(context.Context, string) (bool, error) {
			return false, errors.New("timeout")
		}
		_, err := e.svc.Signup(context.Background(), validSignup("ada@example.com", "ada_l", "Abcd123!"))
		if !model.HasCode(err, model.ErrCodeServiceUnavailable) {
			t.Errorf("error = %v, want SERVICE_UNAVAILABLE", err)
		}
	})

	t.Run("存在しないハンドルは検証エラー", func(t *testing.T) {
		e := newTestEnv()
		e.handles.handleExistsFn = func(context.Context, string) (bool, error) { return false, nil }
		_, err := e.svc.Signup(context.Background(), validSignup("ada@example.com", "ada_l", "Abcd123!"))
		if !model.HasCode(err, model.ErrCodeValidation) {
			t.Errorf("error = %v, want VALIDATION_FAILED", err)
		}
	})
}

func TestLogin_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	e := newTestEnv()
	e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	_, wrongPassword := e.svc.Login(ctx, "ada@example.com", "Wrong123!", model.SessionMeta{})
	_, unknownEmail := e.svc.Login(ctx, "nobody@example.com", "Abcd123!", model.SessionMeta{})

	if !model.HasCode(wrongPassword, model.ErrCodeUnauthenticated) || !model.HasCode(unknownEmail, model.ErrCodeUnauthenticated) {
		t.Fatalf("errors = %v / %v, want UNAUTHENTICATED", wrongPassword, unknownEmail)
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Errorf("メッセージが異なる: %q vs %q", wrongPassword, unknownEmail)
	}
}

func TestLogin_WrongPasswordCheckedBeforeVerification(t *testing.T) {
	e := newTestEnv()
	if _, err := e.svc.Signup(context.Background(), validSignup("ada@example.com", "ada_l", "Abcd123!")); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}

	_, err := e.svc.Login(context.Background(), "ada@example.com", "Wrong123!", model.SessionMeta{})
	if !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Errorf("error = %v, want UNAUTHENTICATED", err)
	}
}

func TestLogout_AllowsNewLogin(t *testing.T) {
	e := newTestEnv()
	e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	res, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", model.SessionMeta{})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := e.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if err := e.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout() twice error = %v", err)
	}
	if _, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", model.SessionMeta{}); err != nil {
		t.Errorf("Login() after logout error = %v", err)
	}
}

// TestLogin_UserLookupFailureLeavesNoSession はユーザー読み込みの失敗後も再ログインできることを検証する。
func TestLogin_UserLookupFailureLeavesNoSession(t *testing.T) {
	e := newTestEnv()
	user := e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	lookupErr := errors.New("connection reset by peer")
	e.store.mu.Lock()
	e.store.findUserErr = lookupErr
	e.store.mu.Unlock()

	if _, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", model.SessionMeta{}); !errors.Is(err, lookupErr) {
		t.Fatalf("Login() error = %v, want wrapped lookup error", err)
	}
	for _, sess := range e.store.sessions {
		if sess.UserID == user.ID && sess.RevokedAt == nil {
			t.Fatalf("failed login left an active session: %+v", sess)
		}
	}

	if _, err := e.svc.Login(ctx, "ada@example.com", "Abcd123!", model.SessionMeta{}); err != nil {
		t.Errorf("Login() retry error = %v, want success", err)
	}
}

func TestVerifyEmail_TokenIsSingleUse(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	if _, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "Abcd123!")); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	raw := e.notifier.lastToken(model.TokenKindEmailVerification)

	if err := e.svc.VerifyEmail(ctx, raw); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}
	if err := e.svc.VerifyEmail(ctx, raw); !model.HasCode(err, model.ErrCodeInvalidOrExpiredToken) {
		t.Errorf("VerifyEmail() twice error = %v, want INVALID_OR_EXPIRED_TOKEN", err)
	}
}

func TestVerifyEmail_ExpiresAfter24Hours(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	if _, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "Abcd123!")); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	e.store.advance(24 * time.Hour)

	if err := e.svc.VerifyEmail(ctx, e.notifier.lastToken(model.TokenKindEmailVerification)); !model.HasCode(err, model.ErrCodeInvalidOrExpiredToken) {
		t.Errorf("VerifyEmail() error = %v, want INVALID_OR_EXPIRED_TOKEN", err)
	}
}

func TestResendVerification(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	if _, err := e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "Abcd123!")); err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	original := e.notifier.lastToken(model.TokenKindEmailVerification)

	if err := e.svc.ResendVerification(ctx, "ada@example.com"); err != nil {
		t.Fatalf("ResendVerification() error = %v", err)
	}
	if e.notifier.count(model.TokenKindEmailVerification) != 2 {
		t.Fatal("再送されていない")
	}
	if err := e.svc.VerifyEmail(ctx, original); !model.HasCode(err, model.ErrCodeInvalidOrExpiredToken) {
		t.Errorf("再送前のトークンが有効なまま: %v", err)
	}

	// 未登録・確認済みは成功を返すが送信しない
	if err := e.svc.ResendVerification(ctx, "nobody@example.com"); err != nil {
		t.Errorf("unknown email error = %v", err)
	}
	if err := e.svc.VerifyEmail(ctx, e.notifier.lastToken(model.TokenKindEmailVerification)); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}
	if err := e.svc.ResendVerification(ctx, "ada@example.com"); err != nil {
		t.Errorf("verified email error = %v", err)
	}
	if e.notifier.count(model.TokenKindEmailVerification) != 2 {
		t.Errorf("notifications = %d, want 2", e.notifier.count(model.TokenKindEmailVerification))
	}
}

func TestForgotPassword_UnknownEmailIsGenericSuccess(t *testing.T) {
	e := newTestEnv()
	if err := e.svc.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
		t.Errorf("ForgotPassword() error = %v", err)
	}
	if e.notifier.count(model.TokenKindPasswordReset) != 0 {
		t.Error("未登録のメールアドレスに送信された")
	}
}

func TestResetPassword_WeakPasswordDoesNotConsumeToken(t *testing.T) {
	e := newTestEnv()
	e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	if err := e.svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("ForgotPassword() error = %v", err)
	}
	raw := e.notifier.lastToken(model.TokenKindPasswordReset)

	if err := e.svc.ResetPassword(ctx, raw, "weak"); !model.HasCode(err, model.ErrCodeWeakPassword) {
		t.Fatalf("ResetPassword(weak) error = %v, want WEAK_PASSWORD", err)
	}
	if err := e.svc.ResetPassword(ctx, raw, "Strong12#"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if err := e.svc.ResetPassword(ctx, raw, "Strong34#"); !model.HasCode(err, model.ErrCodeInvalidOrExpiredToken) {
		t.Errorf("ResetPassword() twice error = %v, want INVALID_OR_EXPIRED_TOKEN", err)
	}
}

func TestResetPassword_ExpiresAfter30Minutes(t *testing.T) {
	e := newTestEnv()
	e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	if err := e.svc.ForgotPassword(ctx, "ada@example.com"); err != nil {
		t.Fatalf("ForgotPassword() error = %v", err)
	}
	e.store.advance(30 * time.Minute)

	err := e.svc.ResetPassword(ctx, e.notifier.lastToken(model.TokenKindPasswordReset), "Strong12#")
	if !model.HasCode(err, model.ErrCodeInvalidOrExpiredToken) {
		t.Errorf("error = %v, want INVALID_OR_EXPIRED_TOKEN", err)
	}
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv()
	user := e.signupAndVerify(t, "ada@example.com", "ada_l", "Abcd123!")
	ctx := context.Background()

	tests := []struct {
		name     string
		current  string
		next     string
		wantCode string
	}{
		{"現在のパスワード不一致", "Wrong123!", "Other123!", model.ErrCodePasswordMismatch},
		{"新パスワードが弱い", "Abcd123!", "short", model.ErrCodeWeakPassword},
		{"同じパスワード", "Abcd123!", "Abcd123!", model.ErrCodePasswordReused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.svc.ChangePassword(ctx, user.ID, tt.current, tt.next)
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("ChangePassword() error = %v, want %s", err, tt.wantCode)
			}
		})
	}

	if err := e.svc.ChangePassword(ctx, user.ID, "Abcd123!", "Other123!"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := e.svc.Login(ctx, "ada@example.com", "Other123!", model.SessionMeta{}); err != nil {
		t.Errorf("Login() with changed password error = %v", err)
	}
}

func TestService_RecordsEventOutcomes(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()

	e.svc.Signup(ctx, validSignup("ada@example.com", "ada_l", "weak"))
	e.svc.ForgotPassword(ctx, "nobody@example.com")

	got := strings.Join(e.events.events, ",")
	want := "signup:WEAK_PASSWORD,forgot_password:success"
	if got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
}
