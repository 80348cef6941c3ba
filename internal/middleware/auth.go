// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "sid"

type contextKey string

var (
	userContextKey    = contextKey("user")
	sessionContextKey = contextKey("session")
)

// SessionValidator は生のセッショントークンを検証し、セッションとユーザーを返す。
// 無効な場合は*model.APIError（UNAUTHENTICATED）を返す。
type SessionValidator interface {
	ValidateSession(ctx context.Context, raw string) (*model.Session, *model.User, error)
}

// NewAuthMiddleware はCookieのセッショントークンを検証し、
// セッションとユーザー（ロールを含む）をリクエストコンテキストに注入する。
// 未認証のリクエストには401を返す。結果はキャッシュしない。
func NewAuthMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := authenticate(r, validator)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewOptionalAuthMiddleware はセッションが有効な場合のみコンテキストに注入し、
// 無効な場合もそのまま次のハンドラーを呼び出す。
func NewOptionalAuthMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ctx, err := authenticate(r, validator); err == nil {
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(r *http.Request, validator SessionValidator) (context.Context, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, model.NewUnauthenticatedError()
	}
	session, user, err := validator.ValidateSession(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	setRequestUserID(r.Context(), user.ID)
	return ContextWithAuth(r.Context(), user, session), nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
		return
	}
	slog.Error("failed to validate session", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// RequireRoles は指定ロールのいずれかを持たないユーザーに403を返す。
// NewAuthMiddlewareの内側で使用すること。
func RequireRoles(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}
			if !user.HasAnyRole(roles...) {
				slog.Warn("forbidden",
					slog.String("user_id", user.ID),
					slog.String("path", r.URL.Path),
					slog.Any("required_roles", roles),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithAuth はコンテキストにユーザーとセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAuth(ctx context.Context, user *model.User, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, sessionContextKey, session)
}

// UserFromContext は認証済みユーザーを返す。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// SessionFromContext は現在のセッションを返す。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}
