package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// ErrorResponseBody はクライアントに返すエラーJSON。model.APIErrorの各項目をそのまま写す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをErrorResponseBodyとして書き込む。
// apiErrがnilの場合はINTERNAL_ERRORとして扱う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = model.NewInternalError()
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}); err != nil {
		slog.Warn("failed to write error response", slog.String("code", apiErr.Code), slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は詳細を含まないINTERNAL_ERRORを500で返す。
// 原因は呼び出し側でログに記録すること。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, nil)
}
