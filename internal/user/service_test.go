package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/repository"
	"github.com/hitoshi/engagepro/internal/security"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn       func(ctx context.Context, id string) (*model.User, error)
	updateProfileFn  func(ctx context.Context, user *model.User) error
	updatePasswordFn func(ctx context.Context, userID, hash, keepSessionID string) error
	deleteByIDFn     func(ctx context.Context, id string) error
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
func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	return nil
}
func (m *mockUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, user)
	}
	return nil
}
func (m *mockUserRepo) UpdatePassword(ctx context.Context, userID, hash, keepSessionID string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, userID, hash, keepSessionID)
	}
	return nil
}
func (m *mockUserRepo) ResetPasswordWithToken(ctx context.Context, tokenID, userID, hash string, usedAt time.Time) (bool, error) {
	return false, nil
}
func (m *mockUserRepo) VerifyEmailWithToken(ctx context.Context, tokenID, userID string, usedAt time.Time) (bool, error) {
	return false, nil
}
func (m *mockUserRepo) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return nil
}
func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockSessionRepo struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.AuthSession) error {
	return nil
}
func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	return nil, nil
}
func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return nil
}
func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}
func (m *mockSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type mockDropper struct {
	dropped []string
}

func (m *mockDropper) Drop(userID string) {
	m.dropped = append(m.dropped, userID)
}

var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ NotificationDropper = (*mockDropper)(nil)

func strPtr(s string) *string { return &s }

func newTestService(userRepo *mockUserRepo, sessionRepo *mockSessionRepo, dropper NotificationDropper) *Service {
	return NewService(
		userRepo,
		sessionRepo,
		security.NewPasswordHasher(4),
		security.NewURLGuard(),
		security.NewTextSanitizer(),
		dropper,
	)
}

func existingUser(id string) *model.User {
	return &model.User{
		ID:            id,
		Name:          "Taro",
		Email:         "taro@example.com",
		Plan:          model.PlanFree,
		EmailVerified: true,
	}
}

// --- テスト ---

// TestService_GetProfile_NotFound は存在しないユーザーでUSER_NOT_FOUNDを返すことを検証する。
func TestService_GetProfile_NotFound(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, nil)

	_, err := svc.GetProfile(context.Background(), "missing")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("expected USER_NOT_FOUND, got %v", err)
	}
}

// TestService_UpdateProfile_PartialUpdate は指定されたフィールドだけが変わることを検証する。
func TestService_UpdateProfile_PartialUpdate(t *testing.T) {
	var saved *model.User
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
		updateProfileFn: func(ctx context.Context, user *model.User) error {
			saved = user
			return nil
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	got, err := svc.UpdateProfile(context.Background(), "user-1", ProfilePatch{
		Name:  strPtr("  Hanako <b>Yamada</b> "),
		Phone: strPtr("090-0000-0000"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	if got.Name != "Hanako Yamada" {
		t.Errorf("Name = %q, want %q", got.Name, "Hanako Yamada")
	}
	if got.Phone != "090-0000-0000" {
		t.Errorf("Phone = %q", got.Phone)
	}
	if got.Email != "taro@example.com" || !got.EmailVerified {
		t.Error("email must be unchanged when not in the patch")
	}
	if saved == nil || saved.UpdatedAt.IsZero() {
		t.Error("expected repository update with UpdatedAt set")
	}
}

// TestService_UpdateProfile_EmailChangeResetsVerification はメール変更で確認済みフラグが落ちることを検証する。
func TestService_UpdateProfile_EmailChangeResetsVerification(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	got, err := svc.UpdateProfile(context.Background(), "user-1", ProfilePatch{Email: strPtr(" New@Example.com ")})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if got.Email != "new@example.com" {
		t.Errorf("Email = %q, want normalized", got.Email)
	}
	if got.EmailVerified {
		t.Error("EmailVerified must be false after email change")
	}

	// 同じアドレス（大文字小文字違い）は確認状態を維持する
	got, err = svc.UpdateProfile(context.Background(), "user-1", ProfilePatch{Email: strPtr("TARO@example.com")})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if !got.EmailVerified {
		t.Error("EmailVerified must be kept when the address does not change")
	}
}

// TestService_UpdateProfile_Validation は不正な入力でエラーになることを検証する。
func TestService_UpdateProfile_Validation(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
		updateProfileFn: func(ctx context.Context, user *model.User) error {
			t.Fatal("UpdateProfile must not be called on validation failure")
			return nil
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	tests := []struct {
		name     string
		patch    ProfilePatch
		wantCode string
	}{
		{"empty name", ProfilePatch{Name: strPtr("   ")}, model.ErrCodeValidation},
		{"invalid email", ProfilePatch{Email: strPtr("nope")}, model.ErrCodeInvalidEmail},
		{"private avatar", ProfilePatch{Avatar: strPtr("http://169.254.169.254/latest")}, model.ErrCodeValidation},
		{"non-http avatar", ProfilePatch{Avatar: strPtr("javascript:alert(1)")}, model.ErrCodeValidation},
		{"credential avatar", ProfilePatch{Avatar: strPtr("https://user:pw@example.com/a.png")}, model.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateProfile(context.Background(), "user-1", tt.patch)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *model.APIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.wantCode)
			}
		})
	}
}

// TestService_UpdateProfile_ClearAvatar は空文字でアバターを削除できることを検証する。
func TestService_UpdateProfile_ClearAvatar(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			u := existingUser(id)
			u.Avatar = "https://cdn.example.com/a.png"
			return u, nil
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	got, err := svc.UpdateProfile(context.Background(), "user-1", ProfilePatch{Avatar: strPtr("")})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if got.Avatar != "" {
		t.Errorf("Avatar = %q, want empty", got.Avatar)
	}
}

// TestService_UpdateProfile_DuplicateEmail は一意制約違反を409相当のエラーに変換することを検証する。
func TestService_UpdateProfile_DuplicateEmail(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
		updateProfileFn: func(ctx context.Context, user *model.User) error {
			return repository.ErrDuplicateEmail
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	_, err := svc.UpdateProfile(context.Background(), "user-1", ProfilePatch{Email: strPtr("taken@example.com")})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeEmailAlreadyExists {
		t.Fatalf("expected EMAIL_ALREADY_EXISTS, got %v", err)
	}
}

// TestService_ChangePassword は現在のパスワード確認と現セッション維持を検証する。
func TestService_ChangePassword(t *testing.T) {
	hasher := security.NewPasswordHasher(4)
	hash, err := hasher.Hash("current-password")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	var gotHash, gotKeep string
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			u := existingUser(id)
			u.PasswordHash = hash
			return u, nil
		},
		updatePasswordFn: func(ctx context.Context, userID, h, keepSessionID string) error {
			gotHash = h
			gotKeep = keepSessionID
			return nil
		},
	}
	svc := newTestService(userRepo, &mockSessionRepo{}, nil)

	t.Run("wrong current password", func(t *testing.T) {
		err := svc.ChangePassword(context.Background(), "user-1", "sess-1", "wrong", "new-password-1")
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCredentials {
			t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
		}
	})

	t.Run("weak new password", func(t *testing.T) {
		err := svc.ChangePassword(context.Background(), "user-1", "sess-1", "current-password", "short")
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeWeakPassword {
			t.Fatalf("expected WEAK_PASSWORD, got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		if err := svc.ChangePassword(context.Background(), "user-1", "sess-1", "current-password", "new-password-1"); err != nil {
			t.Fatalf("ChangePassword() error = %v", err)
		}
		if gotKeep != "sess-1" {
			t.Errorf("keepSessionID = %q, want sess-1", gotKeep)
		}
		if !hasher.Verify(gotHash, "new-password-1") {
			t.Error("stored hash does not match the new password")
		}
	})
}

// TestService_Withdraw は退会処理が全関連データを削除することを検証する。
func TestService_Withdraw(t *testing.T) {
	var order []string

	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			order = append(order, "user")
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			order = append(order, "sessions")
			return nil
		},
	}
	dropper := &mockDropper{}
	svc := newTestService(userRepo, sessionRepo, dropper)

	if err := svc.Withdraw(context.Background(), "user-1"); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	if len(order) != 2 || order[0] != "sessions" || order[1] != "user" {
		t.Errorf("delete order = %v, want [sessions user]", order)
	}
	if len(dropper.dropped) != 1 || dropper.dropped[0] != "user-1" {
		t.Errorf("dropped = %v, want [user-1]", dropper.dropped)
	}
}

// TestService_Withdraw_UserNotFound は存在しないユーザーの退会がエラーになることを検証する。
func TestService_Withdraw_UserNotFound(t *testing.T) {
	dropper := &mockDropper{}
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, dropper)

	err := svc.Withdraw(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing user")
	}
	if len(dropper.dropped) != 0 {
		t.Error("store must not be dropped when the user does not exist")
	}
}

// TestService_Withdraw_SessionDeleteError はセッション削除失敗でユーザー削除に進まないことを検証する。
func TestService_Withdraw_SessionDeleteError(t *testing.T) {
	userDeleted := false
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return existingUser(id), nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			userDeleted = true
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			return errors.New("db down")
		},
	}
	svc := newTestService(userRepo, sessionRepo, nil)

	if err := svc.Withdraw(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error")
	}
	if userDeleted {
		t.Error("user must not be deleted when session deletion fails")
	}
}
