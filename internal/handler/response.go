// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/middleware"
	"github.com/algoritmia/algoritmia-api/internal/model"
)

// maxJSONBodyBytes はJSONリクエストボディの上限サイズ。
const maxJSONBodyBytes = 1 << 20

// dateLayout は生年月日の入出力形式。
const dateLayout = "2006-01-02"

// writeJSON は任意の値をJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// messageResponse は本文がメッセージのみのレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// writeMessage はメッセージのみのJSONレスポンスを書き込む。
func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, messageResponse{Message: message})
}

// decodeJSON はリクエストボディをdstにデコードする。
// 不正なJSONや上限超過はVALIDATION_FAILEDのAPIErrorとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return model.NewValidationError("body", "es demasiado grande")
		case errors.Is(err, io.EOF):
			return model.NewValidationError("body", "está vacío")
		default:
			return model.NewValidationError("body", "no es un JSON válido")
		}
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは詳細をログのみに残す
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeWeakPassword,
		model.ErrCodePasswordMismatch,
		model.ErrCodePasswordReused,
		model.ErrCodeInvalidOrExpiredToken,
		model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeEmailAlreadyRegistered,
		model.ErrCodeHandleAlreadyRegistered,
		model.ErrCodeConcurrentSession:
		return http.StatusConflict
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeEmailNotVerified, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// userResponse はユーザープロフィールのレスポンス形式。
type userResponse struct {
	ID               string    `json:"id"`
	FullName         string    `json:"full_name"`
	Email            string    `json:"email"`
	CodeforcesHandle string    `json:"codeforces_handle"`
	Birthdate        string    `json:"birthdate"`
	DegreeProgram    string    `json:"degree_program"`
	EntryYear        int       `json:"entry_year"`
	Country          string    `json:"country"`
	ProfileImageURL  *string   `json:"profile_image_url"`
	Roles            []string  `json:"roles"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// toUserResponse はmodel.UserをuserResponseに変換する。
func toUserResponse(u *model.User) userResponse {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		ID:               u.ID,
		FullName:         u.FullName,
		Email:            u.Email,
		CodeforcesHandle: u.CodeforcesHandle,
		Birthdate:        u.Birthdate.Format(dateLayout),
		DegreeProgram:    u.DegreeProgram,
		EntryYear:        u.EntryYear,
		Country:          u.Country,
		ProfileImageURL:  u.ProfileImageURL,
		Roles:            roles,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

// parseDate はYYYY-MM-DD形式の日付を解析する。
func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, model.NewValidationError(field, "debe tener el formato AAAA-MM-DD")
	}
	return t, nil
}
