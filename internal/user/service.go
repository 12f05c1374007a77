// Package user はプロフィール管理と退会のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/engagepro/internal/auth"
	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/repository"
)

const (
	maxNameLength  = 100
	maxPhoneLength = 32
)

// PasswordHasher はパスワードハッシュの生成と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// URLValidator はアバターURLの静的検証を行う。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// TextSanitizer はユーザー入力のプレーンテキスト化を行う。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// NotificationDropper はユーザーの通知ストアを破棄する。
type NotificationDropper interface {
	Drop(userID string)
}

// ProfilePatch はプロフィールの部分更新内容。nilのフィールドは変更しない。
type ProfilePatch struct {
	Name   *string
	Email  *string
	Phone  *string
	Avatar *string
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	hasher      PasswordHasher
	urlGuard    URLValidator
	sanitizer   TextSanitizer
	dropper     NotificationDropper
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// dropperがnilの場合、退会時の通知ストア破棄は行わない。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	hasher PasswordHasher,
	urlGuard URLValidator,
	sanitizer TextSanitizer,
	dropper NotificationDropper,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		hasher:      hasher,
		urlGuard:    urlGuard,
		sanitizer:   sanitizer,
		dropper:     dropper,
		now:         time.Now,
	}
}

// GetProfile は指定ユーザーを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateProfile はプロフィールを部分更新し、更新後のユーザーを返す。
// メールアドレスを変更した場合はメール確認済みフラグを落とす。
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*model.User, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if s.sanitizer != nil {
			name = s.sanitizer.Sanitize(name)
		}
		if name == "" {
			return nil, model.NewValidationError("名前を入力してください")
		}
		if len([]rune(name)) > maxNameLength {
			return nil, model.NewValidationError(fmt.Sprintf("名前は%d文字以内で入力してください", maxNameLength))
		}
		user.Name = name
	}

	if patch.Email != nil {
		email, err := auth.ValidateEmail(*patch.Email)
		if err != nil {
			return nil, err
		}
		if email != user.Email {
			user.Email = email
			user.EmailVerified = false
		}
	}

	if patch.Phone != nil {
		phone := strings.TrimSpace(*patch.Phone)
		if len(phone) > maxPhoneLength {
			return nil, model.NewValidationError("電話番号が長すぎます")
		}
		user.Phone = phone
	}

	if patch.Avatar != nil {
		avatar := strings.TrimSpace(*patch.Avatar)
		if avatar != "" {
			if err := s.urlGuard.ValidateURL(avatar); err != nil {
				return nil, model.NewValidationError("アバターには公開されたhttp(s)のURLを指定してください")
			}
		}
		user.Avatar = avatar
	}

	user.UpdatedAt = s.now()
	if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailAlreadyExistsError()
		}
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}

	slog.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードに変更する。
// 呼び出し元のセッション以外は失効する。
func (s *Service) ChangePassword(ctx context.Context, userID, sessionID, current, next string) error {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(user.PasswordHash, current) {
		return model.NewInvalidCredentialsError()
	}
	if err := auth.ValidatePassword(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePassword(ctx, userID, hash, sessionID); err != nil {
		return fmt.Errorf("パスワードの更新に失敗しました: %w", err)
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: action_tokens）→ メモリ上の通知ストア
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return err
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	if s.dropper != nil {
		s.dropper.Drop(userID)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
