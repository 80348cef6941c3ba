package user

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
	"github.com/algoritmia/algoritmia-api/internal/security"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	updateFn     func(ctx context.Context, id string, update model.UserUpdate) (*model.User, error)
	listRolesFn  func(ctx context.Context, userID string) ([]string, error)
	assignRoleFn func(ctx context.Context, userID, role string) error
	revokeRoleFn func(ctx context.Context, userID, role string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}
func (m *mockUserRepo) Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error) {
	return m.updateFn(ctx, id, update)
}
func (m *mockUserRepo) ListRoles(ctx context.Context, userID string) ([]string, error) {
	return m.listRolesFn(ctx, userID)
}
func (m *mockUserRepo) AssignRole(ctx context.Context, userID, role string) error {
	return m.assignRoleFn(ctx, userID, role)
}
func (m *mockUserRepo) RevokeRole(ctx context.Context, userID, role string) error {
	return m.revokeRoleFn(ctx, userID, role)
}

type mockHandleChecker struct {
	calls   []string
	checkFn func(ctx context.Context, handle string) error
}

func (m *mockHandleChecker) CheckHandle(ctx context.Context, handle string) error {
	m.calls = append(m.calls, handle)
	if m.checkFn != nil {
		return m.checkFn(ctx, handle)
	}
	return nil
}

type mockAvatarStore struct {
	uploaded    map[string]string
	deleted     []string
	uploadErr   error
	contentType string
}

func (m *mockAvatarStore) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	b, _ := io.ReadAll(body)
	if m.uploaded == nil {
		m.uploaded = map[string]string{}
	}
	m.uploaded[key] = string(b)
	m.contentType = contentType
	return "https://cdn.example.com/" + key, nil
}

func (m *mockAvatarStore) Delete(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *mockAvatarStore) KeyFromURL(rawURL string) (string, bool) {
	const prefix = "https://cdn.example.com/"
	if strings.HasPrefix(rawURL, prefix) {
		return strings.TrimPrefix(rawURL, prefix), true
	}
	return "", false
}

func strPtr(s string) *string { return &s }

func existingUser() *model.User {
	return &model.User{
		ID:               "u-1",
		FullName:         "Ada Lovelace",
		Email:            "ada@example.com",
		CodeforcesHandle: "ada_l",
		Roles:            []string{model.RoleUser},
		ProfileImageURL:  strPtr("https://cdn.example.com/images/u-1/old.png"),
	}
}

// newRepo はexistingUserを返し、Updateを記録するリポジトリを生成する。
func newRepo(got *model.UserUpdate) *mockUserRepo {
	return &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id != "u-1" {
				return nil, nil
			}
			return existingUser(), nil
		},
		updateFn: func(_ context.Context, id string, update model.UserUpdate) (*model.User, error) {
			*got = update
			u := existingUser()
			if update.ProfileImageURL != nil {
				if *update.ProfileImageURL == "" {
					u.ProfileImageURL = nil
				} else {
					u.ProfileImageURL = update.ProfileImageURL
				}
			}
			if update.FullName != nil {
				u.FullName = *update.FullName
			}
			return u, nil
		},
	}
}

func newTestService(repo *mockUserRepo, handles *mockHandleChecker, avatars *mockAvatarStore) *Service {
	var store AvatarStore
	if avatars != nil {
		store = avatars
	}
	return NewService(repo, handles, store, security.NewSSRFGuard(), security.NewTextSanitizer())
}

// --- GetProfile ---

func TestGetProfile_NotFound(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockHandleChecker{}, nil)
	_, err := svc.GetProfile(context.Background(), "missing")
	if !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- UpdateProfile ---

func TestUpdateProfile_NormalizesText(t *testing.T) {
	var got model.UserUpdate
	svc := newTestService(newRepo(&got), &mockHandleChecker{}, nil)

	user, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{
		FullName: strPtr("  <b>Ada</b> Byron "),
		Country:  strPtr("México"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if *got.FullName != "Ada Byron" || user.FullName != "Ada Byron" {
		t.Errorf("FullName = %q", *got.FullName)
	}
	if got.CodeforcesHandle != nil {
		t.Error("未指定のフィールドが設定された")
	}
}

func TestUpdateProfile_ValidationBeforeWrites(t *testing.T) {
	tests := []struct {
		name   string
		update model.UserUpdate
	}{
		{"空の更新", model.UserUpdate{}},
		{"タグのみの氏名", model.UserUpdate{FullName: strPtr("<i></i>")}},
		{"ハンドル形式不正", model.UserUpdate{CodeforcesHandle: strPtr("no spaces")}},
		{"ループバックの画像URL", model.UserUpdate{ProfileImageURL: strPtr("http://127.0.0.1/a.png")}},
		{"メタデータIPの画像URL", model.UserUpdate{ProfileImageURL: strPtr("http://169.254.169.254/latest")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(new(model.UserUpdate))
			repo.updateFn = func(context.Context, string, model.UserUpdate) (*model.User, error) {
				t.Fatal("検証エラーなのにUpdateが呼ばれた")
				return nil, nil
			}
			svc := newTestService(repo, &mockHandleChecker{}, nil)

			_, err := svc.UpdateProfile(context.Background(), "u-1", tt.update)
			if !model.HasCode(err, model.ErrCodeValidation) {
				t.Errorf("error = %v, want VALIDATION_FAILED", err)
			}
		})
	}
}

func TestUpdateProfile_HandleCheck(t *testing.T) {
	t.Run("変更時のみ確認する", func(t *testing.T) {
		handles := &mockHandleChecker{}
		svc := newTestService(newRepo(new(model.UserUpdate)), handles, nil)

		if _, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{CodeforcesHandle: strPtr("ada_l")}); err != nil {
			t.Fatalf("UpdateProfile() error = %v", err)
		}
		if _, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{CodeforcesHandle: strPtr("tourist")}); err != nil {
			t.Fatalf("UpdateProfile() error = %v", err)
		}
		if len(handles.calls) != 1 || handles.calls[0] != "tourist" {
			t.Errorf("calls = %v, want [tourist]", handles.calls)
		}
	})

	t.Run("確認エラーはそのまま返す", func(t *testing.T) {
		handles := &mockHandleChecker{checkFn: func(context.Context, string) error {
			return model.NewServiceUnavailableError("Codeforces")
		}}
		svc := newTestService(newRepo(new(model.UserUpdate)), handles, nil)

		_, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{CodeforcesHandle: strPtr("tourist")})
		if !model.HasCode(err, model.ErrCodeServiceUnavailable) {
			t.Errorf("error = %v, want SERVICE_UNAVAILABLE", err)
		}
	})

	t.Run("重複はHANDLE_ALREADY_REGISTERED", func(t *testing.T) {
		repo := newRepo(new(model.UserUpdate))
		repo.updateFn = func(context.Context, string, model.UserUpdate) (*model.User, error) {
			return nil, fmt.Errorf("wrapped: %w", repository.ErrDuplicateHandle)
		}
		svc := newTestService(repo, &mockHandleChecker{}, nil)

		_, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{CodeforcesHandle: strPtr("tourist")})
		if !model.HasCode(err, model.ErrCodeHandleAlreadyRegistered) {
			t.Errorf("error = %v, want HANDLE_ALREADY_REGISTERED", err)
		}
	})
}

func TestUpdateProfile_ClearingImageDeletesStoredAvatar(t *testing.T) {
	var got model.UserUpdate
	avatars := &mockAvatarStore{}
	svc := newTestService(newRepo(&got), &mockHandleChecker{}, avatars)

	user, err := svc.UpdateProfile(context.Background(), "u-1", model.UserUpdate{ProfileImageURL: strPtr("")})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if user.ProfileImageURL != nil {
		t.Errorf("ProfileImageURL = %v, want nil", *user.ProfileImageURL)
	}
	if len(avatars.deleted) != 1 || avatars.deleted[0] != "images/u-1/old.png" {
		t.Errorf("deleted = %v", avatars.deleted)
	}
}

// --- UploadAvatar ---

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

func TestUploadAvatar(t *testing.T) {
	var got model.UserUpdate
	avatars := &mockAvatarStore{}
	svc := newTestService(newRepo(&got), &mockHandleChecker{}, avatars)

	user, err := svc.UploadAvatar(context.Background(), "u-1", "perfil.PNG", pngData)
	if err != nil {
		t.Fatalf("UploadAvatar() error = %v", err)
	}
	if len(avatars.uploaded) != 1 {
		t.Fatalf("uploaded = %d, want 1", len(avatars.uploaded))
	}
	for key := range avatars.uploaded {
		if !strings.HasPrefix(key, "images/u-1/") || !strings.HasSuffix(key, ".png") {
			t.Errorf("key = %q", key)
		}
		if *user.ProfileImageURL != "https://cdn.example.com/"+key {
			t.Errorf("ProfileImageURL = %q", *user.ProfileImageURL)
		}
	}
	if avatars.contentType != "image/png" {
		t.Errorf("contentType = %q", avatars.contentType)
	}
	if len(avatars.deleted) != 1 || avatars.deleted[0] != "images/u-1/old.png" {
		t.Errorf("旧画像が削除されていない: %v", avatars.deleted)
	}
}

func TestUploadAvatar_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		code string
	}{
		{"空ファイル", nil, model.ErrCodeValidation},
		{"画像以外", []byte("%PDF-1.7 not an image"), model.ErrCodeValidation},
		{"サイズ超過", append(append([]byte{}, pngData...), make([]byte, MaxAvatarBytes)...), model.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avatars := &mockAvatarStore{}
			svc := newTestService(newRepo(new(model.UserUpdate)), &mockHandleChecker{}, avatars)

			_, err := svc.UploadAvatar(context.Background(), "u-1", "x.png", tt.data)
			if !model.HasCode(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
			if len(avatars.uploaded) != 0 {
				t.Error("拒否したのにアップロードされた")
			}
		})
	}
}

func TestUploadAvatar_StorageUnavailable(t *testing.T) {
	t.Run("未設定", func(t *testing.T) {
		svc := newTestService(newRepo(new(model.UserUpdate)), &mockHandleChecker{}, nil)
		_, err := svc.UploadAvatar(context.Background(), "u-1", "x.png", pngData)
		if !model.HasCode(err, model.ErrCodeServiceUnavailable) {
			t.Errorf("error = %v, want SERVICE_UNAVAILABLE", err)
		}
	})

	t.Run("アップロード失敗", func(t *testing.T) {
		avatars := &mockAvatarStore{uploadErr: errors.New("timeout")}
		svc := newTestService(newRepo(new(model.UserUpdate)), &mockHandleChecker{}, avatars)
		_, err := svc.UploadAvatar(context.Background(), "u-1", "x.png", pngData)
		if !model.HasCode(err, model.ErrCodeServiceUnavailable) {
			t.Errorf("error = %v, want SERVICE_UNAVAILABLE", err)
		}
	})
}

func TestUploadAvatar_UpdateFailureDeletesOrphan(t *testing.T) {
	repo := newRepo(new(model.UserUpdate))
	repo.updateFn = func(context.Context, string, model.UserUpdate) (*model.User, error) {
		return nil, errors.New("db down")
	}
	avatars := &mockAvatarStore{}
	svc := newTestService(repo, &mockHandleChecker{}, avatars)

	if _, err := svc.UploadAvatar(context.Background(), "u-1", "x.png", pngData); err == nil {
		t.Fatal("UploadAvatar() error = nil, want error")
	}
	if len(avatars.deleted) != 1 || !strings.HasPrefix(avatars.deleted[0], "images/u-1/") || avatars.deleted[0] == "images/u-1/old.png" {
		t.Errorf("deleted = %v, want the new orphan key", avatars.deleted)
	}
}

// --- Roles ---

func TestAssignRole(t *testing.T) {
	var assigned []string
	repo := newRepo(new(model.UserUpdate))
	repo.assignRoleFn = func(_ context.Context, userID, role string) error {
		if userID != "u-1" {
			return repository.ErrNotFound
		}
		assigned = append(assigned, role)
		return nil
	}
	svc := newTestService(repo, &mockHandleChecker{}, nil)
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "admin-1", "u-1", model.RoleCoach); err != nil {
		t.Fatalf("AssignRole() error = %v", err)
	}
	if err := svc.AssignRole(ctx, "admin-1", "u-1", "superuser"); !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("unknown role error = %v, want VALIDATION_FAILED", err)
	}
	if err := svc.AssignRole(ctx, "admin-1", "missing", model.RoleCoach); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("missing user error = %v, want NOT_FOUND", err)
	}
	if len(assigned) != 1 || assigned[0] != model.RoleCoach {
		t.Errorf("assigned = %v", assigned)
	}
}

func TestRevokeRole(t *testing.T) {
	var revoked []string
	repo := newRepo(new(model.UserUpdate))
	repo.revokeRoleFn = func(_ context.Context, _ string, role string) error {
		revoked = append(revoked, role)
		return nil
	}
	svc := newTestService(repo, &mockHandleChecker{}, nil)
	ctx := context.Background()

	if err := svc.RevokeRole(ctx, "u-1", "u-1", model.RoleAdmin); !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("self admin revoke error = %v, want VALIDATION_FAILED", err)
	}
	if err := svc.RevokeRole(ctx, "admin-1", "missing", model.RoleCoach); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("missing user error = %v, want NOT_FOUND", err)
	}
	if err := svc.RevokeRole(ctx, "admin-1", "u-1", model.RoleCoach); err != nil {
		t.Fatalf("RevokeRole() error = %v", err)
	}
	if len(revoked) != 1 || revoked[0] != model.RoleCoach {
		t.Errorf("revoked = %v", revoked)
	}
}

func TestListRoles(t *testing.T) {
	repo := newRepo(new(model.UserUpdate))
	repo.listRolesFn = func(context.Context, string) ([]string, error) {
		return []string{model.RoleAdmin, model.RoleUser}, nil
	}
	svc := newTestService(repo, &mockHandleChecker{}, nil)

	roles, err := svc.ListRoles(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ListRoles() error = %v", err)
	}
	if strings.Join(roles, ",") != "admin,user" {
		t.Errorf("roles = %v", roles)
	}
	if _, err := svc.ListRoles(context.Background(), "missing"); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("missing user error = %v, want NOT_FOUND", err)
	}
}
