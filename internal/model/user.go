// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Plan は契約プランを表す。
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanTeam Plan = "team"
)

// Valid はプランが定義済みの値かどうかを返す。
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanTeam:
		return true
	default:
		return false
	}
}

// User はサービス利用ユーザーを表す。
type User struct {
	ID            string
	Name          string
	Email         string
	Phone         string
	Avatar        string
	PasswordHash  string
	Plan          Plan
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
}

// AuthSession はユーザーのログインセッションを表す。
// クライアントに渡すBearerトークンはこのIDをsidクレームとして含む。
type AuthSession struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ActionTokenKind はワンタイムトークンの用途を表す。
type ActionTokenKind string

const (
	ActionTokenPasswordReset ActionTokenKind = "password_reset"
	ActionTokenEmailVerify   ActionTokenKind = "email_verify"
)

// ActionToken はパスワードリセットやメール確認に使うワンタイムトークン。
// 平文トークンは保存せず、SHA-256ハッシュのみを保持する。
type ActionToken struct {
	ID        string
	UserID    string
	Kind      ActionTokenKind
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Expired はトークンが期限切れかどうかを返す。
func (t *ActionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
