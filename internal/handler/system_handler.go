package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はDBの疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SystemHandler はヘルスチェックやバージョン情報のHTTPハンドラー。
type SystemHandler struct {
	health       HealthChecker
	bootstrapper Bootstrapper
	version      string
}

// NewSystemHandler はSystemHandlerを生成する。
func NewSystemHandler(health HealthChecker, bootstrapper Bootstrapper, version string) *SystemHandler {
	return &SystemHandler{
		health:       health,
		bootstrapper: bootstrapper,
		version:      version,
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health はDB疎通を含むヘルスチェック結果を返す。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.health.PingContext(ctx); err != nil {
		slog.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

// Version はアプリケーションのバージョンを返す。
// GET /version
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

// InitStatus は永続化された初期化マーカーの状態を返す。
// GET /init/status
func (h *SystemHandler) InitStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.bootstrapper.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
