// Package apiclient はEngagePro REST APIのHTTPクライアントを提供する。
// 失敗したリクエストは自動再試行しない。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "engagectl/1.0"
	// maxErrorBodyBytes はエラーレスポンスとして読み込むボディの上限。
	maxErrorBodyBytes = 64 << 10
)

// Error はAPIが返した統一エラーフォーマットのエラー。
type Error struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Action     string `json:"action"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// User はAPIが返すユーザー情報。
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	Plan          model.Plan `json:"plan"`
	EmailVerified bool       `json:"emailVerified"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
}

// AuthResult はログイン・サインアップ成功時の結果。
type AuthResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// SignupRequest はサインアップの入力。
type SignupRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// ProfilePatch はプロフィールの部分更新内容。nilのフィールドは送信しない。
type ProfilePatch struct {
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty"`
	Phone  *string `json:"phone,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
}

// NotificationList は通知一覧と未読数。
type NotificationList struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// PublishRequest は投稿公開シミュレーションの入力。
type PublishRequest struct {
	Platforms   []model.Platform `json:"platforms"`
	Content     string           `json:"content"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
}

// Client はEngagePro APIクライアント。
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithUserAgent はUser-Agentヘッダーを設定する。
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// New はbaseURLに接続するClientを生成する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login はメールアドレスとパスワードでログインする。
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var res AuthResult
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/login", "", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Signup は新規アカウントを作成する。
func (c *Client) Signup(ctx context.Context, in SignupRequest) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, http.MethodPost, "/v1/signup", "", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Logout はサーバー側のセッションを失効させる。
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/logout", token, nil, nil)
}

// Me は認証中のユーザーを返す。
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/v1/me", token, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ForgotPassword はパスワードリセットメールの送信を依頼する。
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/v1/password/forgot", "", map[string]string{"email": email}, nil)
}

// ResetPassword はリセットトークンで新しいパスワードを設定する。
func (c *Client) ResetPassword(ctx context.Context, resetToken, password string) error {
	body := map[string]string{"token": resetToken, "password": password}
	return c.do(ctx, http.MethodPost, "/v1/password/reset", "", body, nil)
}

// VerifyEmail はメール確認トークンを検証し、更新後のユーザーを返す。
func (c *Client) VerifyEmail(ctx context.Context, token, verifyToken string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodPost, "/v1/email/verify", token, map[string]string{"token": verifyToken}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ResendVerification は確認メールを再送する。
func (c *Client) ResendVerification(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/email/resend", token, nil, nil)
}

// UpdateProfile はプロフィールを部分更新する。
func (c *Client) UpdateProfile(ctx context.Context, token string, patch ProfilePatch) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodPatch, "/v1/profile", token, patch, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ChangePassword は現在のパスワードを確認した上でパスワードを変更する。
func (c *Client) ChangePassword(ctx context.Context, token, current, next string) error {
	body := map[string]string{"currentPassword": current, "newPassword": next}
	return c.do(ctx, http.MethodPost, "/v1/password/change", token, body, nil)
}

// ListNotifications は通知一覧を新しい順で返す。
func (c *Client) ListNotifications(ctx context.Context, token string) (*NotificationList, error) {
	var list NotificationList
	if err := c.do(ctx, http.MethodGet, "/v1/notifications", token, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AddNotification は通知を追加する。
func (c *Client) AddNotification(ctx context.Context, token string, in model.NotificationInput) (*model.Notification, error) {
	var n model.Notification
	if err := c.do(ctx, http.MethodPost, "/v1/notifications", token, in, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkRead は通知を既読にする。存在しないIDでもエラーにならない。
func (c *Client) MarkRead(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(id)+"/read", token, nil, nil)
}

// MarkAllRead は全通知を既読にする。
func (c *Client) MarkAllRead(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/read-all", token, nil, nil)
}

// RemoveNotification は通知を削除する。存在しないIDでもエラーにならない。
func (c *Client) RemoveNotification(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/notifications/"+url.PathEscape(id), token, nil, nil)
}

// ClearNotifications は全通知を削除する。
func (c *Client) ClearNotifications(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/notifications", token, nil, nil)
}

// Publish は投稿公開をシミュレートし、作成された通知を返す。
func (c *Client) Publish(ctx context.Context, token string, in PublishRequest) ([]model.Notification, error) {
	var res struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/posts/publish", token, in, &res); err != nil {
		return nil, err
	}
	return res.Notifications, nil
}

// do はJSONリクエストを送信し、{"data": ...}のdataをoutにデコードする。
// 2xx以外は*Errorを返す。
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s data: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// decodeError はエラーレスポンスを*Errorに変換する。
// ボディが統一エラーフォーマットでない場合もステータスコードは保持する。
func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err == nil && len(data) > 0 {
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}

// IsUnauthorized はerrがBearerトークンの拒否（401）かどうかを返す。
// パスワード不一致のINVALID_CREDENTIALSは含まない。
func IsUnauthorized(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized && apiErr.Code != model.ErrCodeInvalidCredentials
}
