package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/algoritmia/algoritmia-api/internal/middleware"
	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/user"
)

// multipartOverhead はアバター本体以外のマルチパートヘッダー分の余裕。
const multipartOverhead = 64 << 10

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, update model.UserUpdate) (*model.User, error)
	UploadAvatar(ctx context.Context, userID, filename string, data []byte) (*model.User, error)
}

// UserHandler はプロフィール管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateProfileRequest はPATCH /users/meのリクエストボディ。
// 省略されたフィールドは変更しない。profile_image_urlの空文字は画像の削除を意味する。
type updateProfileRequest struct {
	FullName         *string `json:"full_name"`
	CodeforcesHandle *string `json:"codeforces_handle"`
	Birthdate        *string `json:"birthdate"`
	DegreeProgram    *string `json:"degree_program"`
	EntryYear        *int    `json:"entry_year"`
	Country          *string `json:"country"`
	ProfileImageURL  *string `json:"profile_image_url"`
}

// toUpdate はリクエストをmodel.UserUpdateに変換する。
func (req updateProfileRequest) toUpdate() (model.UserUpdate, error) {
	update := model.UserUpdate{
		FullName:         req.FullName,
		CodeforcesHandle: req.CodeforcesHandle,
		DegreeProgram:    req.DegreeProgram,
		EntryYear:        req.EntryYear,
		Country:          req.Country,
		ProfileImageURL:  req.ProfileImageURL,
	}
	if req.Birthdate != nil {
		t, err := parseDate("birthdate", *req.Birthdate)
		if err != nil {
			return model.UserUpdate{}, err
		}
		update.Birthdate = &t
	}
	return update, nil
}

// GetMe はログイン中のユーザーのプロフィールを返す。
// GET /users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	profile, err := h.service.GetProfile(r.Context(), current.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(profile))
}

// UpdateMe はプロフィールを部分更新する。
// PATCH /users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	update, err := req.toUpdate()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := h.service.UpdateProfile(r.Context(), current.ID, update)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

// UploadAvatar はマルチパートの"file"フィールドで受け取った画像をプロフィール画像に設定する。
// POST /uploads/avatar
func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, user.MaxAvatarBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, model.NewValidationError("file", "supera el tamaño máximo de 5 MB"))
			return
		}
		handleServiceError(w, model.NewValidationError("file", "es obligatorio"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, user.MaxAvatarBytes+1))
	if err != nil {
		handleServiceError(w, model.NewValidationError("file", "no se pudo leer"))
		return
	}

	updated, err := h.service.UploadAvatar(r.Context(), current.ID, header.Filename, data)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}
