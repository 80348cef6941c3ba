package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/algoritmia/algoritmia-api/internal/auth"
	"github.com/algoritmia/algoritmia-api/internal/middleware"
	"github.com/algoritmia/algoritmia-api/internal/model"
)

// 列挙対策のため、登録有無に関わらず同じ文面を返す。
const (
	msgResendAccepted = "Si el correo está registrado y pendiente de verificación, te enviaremos un nuevo enlace."
	msgForgotAccepted = "Si el correo está registrado, te enviaremos un enlace para restablecer tu contraseña."
	msgEmailVerified  = "Correo verificado. Ya puedes iniciar sesión."
	msgPasswordReset  = "Contraseña actualizada. Inicia sesión con tu nueva contraseña."
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, in auth.SignupInput) (*model.User, error)
	Login(ctx context.Context, email, password string, meta model.SessionMeta) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	VerifyEmail(ctx context.Context, raw string) error
	ResendVerification(ctx context.Context, email string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, raw, newPassword string) error
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type signupRequest struct {
	FullName         string  `json:"full_name"`
	Email            string  `json:"email"`
	Password         string  `json:"password"`
	CodeforcesHandle string  `json:"codeforces_handle"`
	Birthdate        string  `json:"birthdate"`
	DegreeProgram    string  `json:"degree_program"`
	EntryYear        int     `json:"entry_year"`
	Country          string  `json:"country"`
	ProfileImageURL  *string `json:"profile_image_url"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Signup はユーザーを登録し、確認メールを送信する。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	birthdate, err := parseDate("birthdate", req.Birthdate)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	user, err := h.service.Signup(r.Context(), auth.SignupInput{
		FullName:         req.FullName,
		Email:            req.Email,
		Password:         req.Password,
		CodeforcesHandle: req.CodeforcesHandle,
		Birthdate:        birthdate,
		DegreeProgram:    req.DegreeProgram,
		EntryYear:        req.EntryYear,
		Country:          req.Country,
		ProfileImageURL:  req.ProfileImageURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// Login は認証情報を検証し、セッションCookieを設定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, model.SessionMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(result.RawToken, h.config.SessionMaxAge))
	writeJSON(w, http.StatusOK, toUserResponse(result.User))
}

// Logout は現在のセッションを失効させ、Cookieをクリアする。
// セッションが無効でもCookieのクリアは行う。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := middleware.SessionFromContext(r.Context()); ok {
		if err := h.service.Logout(r.Context(), session.ID); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// 失効に失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報をロール付きで返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// VerifyEmail は確認トークンを引き換える。
// GET /auth/verify-email?token=xxx
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		handleServiceError(w, model.NewInvalidOrExpiredTokenError())
		return
	}

	if err := h.service.VerifyEmail(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, msgEmailVerified)
}

// ResendVerification は確認メールを再送する。結果に関わらず202を返す。
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		slog.Error("failed to resend verification", slog.String("error", err.Error()))
	}
	writeMessage(w, http.StatusAccepted, msgResendAccepted)
}

// ForgotPassword はパスワード再設定メールを送信する。結果に関わらず202を返す。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		slog.Error("failed to request password reset", slog.String("error", err.Error()))
	}
	writeMessage(w, http.StatusAccepted, msgForgotAccepted)
}

// ResetPassword は再設定トークンを引き換えてパスワードを置き換える。
// 全セッションが失効するため、このブラウザのCookieもクリアする。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Token == "" {
		handleServiceError(w, model.NewInvalidOrExpiredTokenError())
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	writeMessage(w, http.StatusOK, msgPasswordReset)
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。
// POST /auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionCookie はセッションCookieを組み立てる。maxAgeが負の場合は削除用。
func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// clientIP はリクエスト元のIPアドレスを返す。RemoteAddrはRealIPミドルウェアで置き換え済み。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
