// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
)

// ErrDuplicateEmail はメールアドレスが既に登録済みの場合に返される。
var ErrDuplicateEmail = errors.New("email already exists")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateProfile は名前・メールアドレス・電話番号・アバターを更新する。
	// メールアドレスが他ユーザーと重複する場合はErrDuplicateEmailを返す。
	UpdateProfile(ctx context.Context, user *model.User) error

	// UpdatePassword はパスワードハッシュを更新し、keepSessionID以外の全セッションを
	// 同一トランザクションで削除する。
	UpdatePassword(ctx context.Context, userID, passwordHash, keepSessionID string) error

	// ResetPasswordWithToken はトークンの消費、パスワード更新、全セッション削除を
	// 同一トランザクションで行う。トークンが既に使用済みの場合はfalseを返す。
	ResetPasswordWithToken(ctx context.Context, tokenID, userID, passwordHash string, usedAt time.Time) (bool, error)

	// VerifyEmailWithToken はトークンの消費とemail_verifiedの更新を同一トランザクションで行う。
	// トークンが既に使用済みの場合はfalseを返す。
	VerifyEmailWithToken(ctx context.Context, tokenID, userID string, usedAt time.Time) (bool, error)

	// TouchLastLogin は最終ログイン日時を更新する。
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するauth_sessions、action_tokensはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository は認証セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.AuthSession) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ActionTokenRepository はパスワードリセット・メール確認用ワンタイムトークンの永続化インターフェース。
type ActionTokenRepository interface {
	// Create はトークンを作成する。同一ユーザー・同一種別の未使用トークンは無効化される。
	Create(ctx context.Context, token *model.ActionToken) error

	// FindByHash は種別とハッシュでトークンを取得する。
	// 期限切れ・使用済みでも返し、判定は呼び出し側が行う。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, kind model.ActionTokenKind, tokenHash string) (*model.ActionToken, error)

	// DeleteExpired は期限切れまたは使用済みで保持期間を過ぎたトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
