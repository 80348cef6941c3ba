// Package user は会員プロフィールとロール管理のドメインロジックを提供する。
package user

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
	"github.com/algoritmia/algoritmia-api/internal/storage"
)

// MaxAvatarBytes はアバター画像の最大サイズ。
const MaxAvatarBytes = 5 << 20

// 受け付ける画像形式。判定は送信されたContent-Typeではなく内容から行う。
var avatarContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// HandleChecker はCodeforcesハンドルの実在を確認する。
// 存在しない場合や確認できない場合は*model.APIErrorを返す。
type HandleChecker interface {
	CheckHandle(ctx context.Context, handle string) error
}

// AvatarStore はアバター画像の保存先。
type AvatarStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	KeyFromURL(rawURL string) (string, bool)
}

// URLValidator は外部URLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// TextNormalizer は自由記述欄からタグを取り除く。
type TextNormalizer interface {
	StripTags(s string) string
}

// Service はプロフィールとロール管理のサービス層。
type Service struct {
	users   repository.UserRepository
	handles HandleChecker
	avatars AvatarStore
	urls    URLValidator
	text    TextNormalizer
}

// NewService はServiceを生成する。handlesとavatarsはnilを許容する。
func NewService(
	users repository.UserRepository,
	handles HandleChecker,
	avatars AvatarStore,
	urls URLValidator,
	text TextNormalizer,
) *Service {
	return &Service{
		users:   users,
		handles: handles,
		avatars: avatars,
		urls:    urls,
		text:    text,
	}
}

// GetProfile はユーザーをロール付きで返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewNotFoundError("usuario")
	}
	return user, nil
}

// UpdateProfile は設定されたフィールドのみを更新する。
// ハンドルを変更する場合はCodeforcesで実在を確認する。
func (s *Service) UpdateProfile(ctx context.Context, userID string, update model.UserUpdate) (*model.User, error) {
	s.normalize(&update)
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if update.ProfileImageURL != nil && *update.ProfileImageURL != "" {
		if err := s.urls.ValidateURL(*update.ProfileImageURL); err != nil {
			slog.Info("profile image url rejected",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewValidationError("profile_image_url", "no es una URL pública permitida")
		}
	}

	current, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if update.CodeforcesHandle != nil && *update.CodeforcesHandle != current.CodeforcesHandle && s.handles != nil {
		if err := s.handles.CheckHandle(ctx, *update.CodeforcesHandle); err != nil {
			return nil, err
		}
	}

	updated, err := s.users.Update(ctx, userID, update)
	if err != nil {
		return nil, mapUpdateError(err)
	}

	if update.ProfileImageURL != nil {
		s.deleteReplacedAvatar(ctx, current.ProfileImageURL, updated.ProfileImageURL)
	}
	slog.Info("profile updated", slog.String("user_id", userID))
	return updated, nil
}

// normalize は文字列フィールドの前後空白とタグを取り除く。
func (s *Service) normalize(update *model.UserUpdate) {
	for _, field := range []*string{update.FullName, update.DegreeProgram, update.Country} {
		if field != nil {
			*field = s.text.StripTags(*field)
		}
	}
	for _, field := range []*string{update.CodeforcesHandle, update.ProfileImageURL} {
		if field != nil {
			*field = strings.TrimSpace(*field)
		}
	}
}

// UploadAvatar は画像をオブジェクトストレージに保存し、プロフィール画像URLを置き換える。
func (s *Service) UploadAvatar(ctx context.Context, userID, filename string, data []byte) (*model.User, error) {
	if s.avatars == nil {
		return nil, model.NewServiceUnavailableError("almacenamiento de imágenes")
	}
	if len(data) == 0 {
		return nil, model.NewValidationError("file", "está vacío")
	}
	if len(data) > MaxAvatarBytes {
		return nil, model.NewValidationError("file", "supera el tamaño máximo de 5 MB")
	}
	contentType := http.DetectContentType(data)
	if !avatarContentTypes[contentType] {
		return nil, model.NewValidationError("file", "debe ser una imagen PNG, JPEG, GIF o WebP")
	}

	current, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	key := storage.AvatarKey(userID, filename)
	url, err := s.avatars.Upload(ctx, key, bytes.NewReader(data), contentType)
	if err != nil {
		slog.Error("avatar upload failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewServiceUnavailableError("almacenamiento de imágenes")
	}

	updated, err := s.users.Update(ctx, userID, model.UserUpdate{ProfileImageURL: &url})
	if err != nil {
		// 参照されないオブジェクトを残さない
		if delErr := s.avatars.Delete(ctx, key); delErr != nil {
			slog.Warn("failed to delete orphan avatar",
				slog.String("key", key),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, mapUpdateError(err)
	}

	s.deleteReplacedAvatar(ctx, current.ProfileImageURL, updated.ProfileImageURL)
	slog.Info("avatar uploaded",
		slog.String("user_id", userID),
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)
	return updated, nil
}

// deleteReplacedAvatar は置き換えられた旧画像が自ストアのものであれば削除する。失敗はログのみ。
func (s *Service) deleteReplacedAvatar(ctx context.Context, previous, next *string) {
	if s.avatars == nil || previous == nil || (next != nil && *next == *previous) {
		return
	}
	key, ok := s.avatars.KeyFromURL(*previous)
	if !ok {
		return
	}
	if err := s.avatars.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete previous avatar",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// ListRoles はユーザーのロールを返す。
func (s *Service) ListRoles(ctx context.Context, userID string) ([]string, error) {
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	roles, err := s.users.ListRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// AssignRole はロールを付与する。付与済みの場合も成功とする。
func (s *Service) AssignRole(ctx context.Context, actorID, userID, role string) error {
	if !model.IsKnownRole(role) {
		return model.NewValidationError("role", "debe ser user, coach o admin")
	}
	err := s.users.AssignRole(ctx, userID, role)
	if errors.Is(err, repository.ErrNotFound) {
		return model.NewNotFoundError("usuario")
	}
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	slog.Info("role assigned",
		slog.String("actor_id", actorID),
		slog.String("user_id", userID),
		slog.String("role", role),
	)
	return nil
}

// RevokeRole はロールを剥奪する。管理者が自分自身のadminロールを外すことはできない。
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, role string) error {
	if !model.IsKnownRole(role) {
		return model.NewValidationError("role", "debe ser user, coach o admin")
	}
	if actorID == userID && role == model.RoleAdmin {
		return model.NewValidationError("role", "no puedes quitarte el rol admin a ti mismo")
	}
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return err
	}
	if err := s.users.RevokeRole(ctx, userID, role); err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	slog.Info("role revoked",
		slog.String("actor_id", actorID),
		slog.String("user_id", userID),
		slog.String("role", role),
	)
	return nil
}

func mapUpdateError(err error) error {
	switch {
	case errors.Is(err, repository.ErrDuplicateHandle):
		return model.NewHandleAlreadyRegisteredError()
	case errors.Is(err, repository.ErrNotFound):
		return model.NewNotFoundError("usuario")
	default:
		return fmt.Errorf("failed to update user: %w", err)
	}
}
