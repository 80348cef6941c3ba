package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/algoritmia/algoritmia-api/internal/middleware"
	"github.com/algoritmia/algoritmia-api/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger           *slog.Logger
	HTTPRecorder     middleware.HTTPRecorder
	SessionValidator middleware.SessionValidator
	AllowedOrigins   []string

	// TrustProxyHeaders が true の場合のみ X-Forwarded-For / X-Real-IP でクライアントIPを上書きする。
	// ヘッダーを上書きするリバースプロキシの背後以外では、sessions.ip を偽装できてしまう。
	TrustProxyHeaders bool

	// システム
	HealthChecker  HealthChecker
	Bootstrapper   Bootstrapper
	Version        string
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface
	RoleService RoleServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP（TrustProxyHeaders時のみ） → SecurityHeaders → Logging → CORS → OriginCheck
//
// 認証が必要なルートはグループ単位でAuthMiddlewareとRequireRolesを追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))
	r.Use(middleware.NewOriginCheckMiddleware(deps.AllowedOrigins))

	systemHandler := NewSystemHandler(deps.HealthChecker, deps.Bootstrapper, deps.Version)
	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	adminHandler := NewAdminHandler(deps.RoleService, deps.Bootstrapper)

	requireSession := middleware.NewAuthMiddleware(deps.SessionValidator)

	// --- 認証不要のルート ---
	r.Get("/health", systemHandler.Health)
	r.Get("/version", systemHandler.Version)
	r.Get("/init/status", systemHandler.InitStatus)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.Signup)
		r.Post("/login", authHandler.Login)
		r.With(middleware.NewOptionalAuthMiddleware(deps.SessionValidator)).Post("/logout", authHandler.Logout)
		r.Get("/verify-email", authHandler.VerifyEmail)
		r.Post("/resend-verification", authHandler.ResendVerification)
		r.Post("/forgot-password", authHandler.ForgotPassword)
		r.Post("/reset-password", authHandler.ResetPassword)

		r.With(requireSession).Get("/me", authHandler.Me)
		r.With(requireSession).Post("/change-password", authHandler.ChangePassword)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(requireSession)

		r.Get("/users/me", userHandler.GetMe)
		r.Patch("/users/me", userHandler.UpdateMe)
		r.Post("/uploads/avatar", userHandler.UploadAvatar)

		r.Route("/admin", func(r chi.Router) {
			r.With(middleware.RequireRoles(model.RoleCoach, model.RoleAdmin)).
				Get("/users/{id}/roles", adminHandler.ListRoles)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRoles(model.RoleAdmin))
				r.Post("/users/{id}/roles", adminHandler.AssignRole)
				r.Delete("/users/{id}/roles/{role}", adminHandler.RevokeRole)
				r.Post("/init", adminHandler.Init)
			})
		})
	})

	return r
}
