package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/algoritmia/algoritmia-api/internal/database"
	"github.com/algoritmia/algoritmia-api/internal/middleware"
	"github.com/algoritmia/algoritmia-api/internal/model"
)

// RoleServiceInterface はロール管理ハンドラーが必要とするサービスインターフェース。
type RoleServiceInterface interface {
	ListRoles(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, actorID, userID, role string) error
	RevokeRole(ctx context.Context, actorID, userID, role string) error
}

// Bootstrapper は永続化された初期化処理を実行・参照する。
type Bootstrapper interface {
	Bootstrap(ctx context.Context, force bool) (*database.BootstrapStatus, error)
	Status(ctx context.Context) (*database.BootstrapStatus, error)
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	roles        RoleServiceInterface
	bootstrapper Bootstrapper
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(roles RoleServiceInterface, bootstrapper Bootstrapper) *AdminHandler {
	return &AdminHandler{
		roles:        roles,
		bootstrapper: bootstrapper,
	}
}

type rolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

// ListRoles は指定ユーザーのロール一覧を返す。
// GET /admin/users/{id}/roles
func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	roles, err := h.roles.ListRoles(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, rolesResponse{UserID: userID, Roles: roles})
}

// AssignRole は指定ユーザーにロールを付与する。
// POST /admin/users/{id}/roles
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	userID := chi.URLParam(r, "id")
	if err := h.roles.AssignRole(r.Context(), actor.ID, userID, req.Role); err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeRoles(w, r, userID)
}

// RevokeRole は指定ユーザーからロールを剥奪する。
// DELETE /admin/users/{id}/roles/{role}
func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	userID := chi.URLParam(r, "id")
	if err := h.roles.RevokeRole(r.Context(), actor.ID, userID, chi.URLParam(r, "role")); err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeRoles(w, r, userID)
}

func (h *AdminHandler) writeRoles(w http.ResponseWriter, r *http.Request, userID string) {
	roles, err := h.roles.ListRoles(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, rolesResponse{UserID: userID, Roles: roles})
}

// Init は初期化処理を強制的に再実行する。
// POST /admin/init
func (h *AdminHandler) Init(w http.ResponseWriter, r *http.Request) {
	status, err := h.bootstrapper.Bootstrap(r.Context(), true)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	actorID := ""
	if actor, ok := middleware.UserFromContext(r.Context()); ok {
		actorID = actor.ID
	}
	slog.Info("bootstrap forced",
		slog.String("actor_id", actorID),
		slog.Int("runs", status.Runs),
	)
	writeJSON(w, http.StatusOK, status)
}
