// Package auth はパスワード認証、セッション発行、ワンタイムトークンによる
// パスワードリセットとメール確認のフローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/repository"
	"github.com/hitoshi/engagepro/internal/security"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8

	defaultResetTokenTTL  = time.Hour
	defaultVerifyTokenTTL = 24 * time.Hour

	// DemoEmail / DemoPassword はデモ用アカウントの認証情報。
	DemoEmail    = "demo@example.com"
	DemoPassword = "password"
)

// PasswordHasher はパスワードハッシュの生成と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
	DummyVerify(password string)
}

// TokenIssuer はBearerトークンの発行と検証を行う。
type TokenIssuer interface {
	Issue(sessionID, userID string, expiresAt time.Time) (string, error)
	Parse(token string) (*security.SessionClaims, error)
}

// Recorder は認証イベントの記録先。
type Recorder interface {
	RecordAuthEvent(event, result string)
}

// TextSanitizer はユーザー入力のプレーンテキスト化を行う。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionTTL     time.Duration
	ResetTokenTTL  time.Duration
	VerifyTokenTTL time.Duration
	// BaseURL はメールに記載するリンクの起点となるURL。
	BaseURL string
}

// SignupInput はサインアップ時の入力。
type SignupInput struct {
	Name            string
	Email           string
	Phone           string
	Password        string
	ConfirmPassword string
}

// Result はログイン・サインアップ成功時に返す認証結果。
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
	SessionID string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokenRepo   repository.ActionTokenRepository
	hasher      PasswordHasher
	issuer      TokenIssuer
	mailer      Mailer
	sanitizer   TextSanitizer
	recorder    Recorder
	config      ServiceConfig
	now         func() time.Time
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithSanitizer は名前のサニタイズに使うTextSanitizerを設定する。
func WithSanitizer(ts TextSanitizer) Option {
	return func(s *Service) { s.sanitizer = ts }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokenRepo repository.ActionTokenRepository,
	hasher PasswordHasher,
	issuer TokenIssuer,
	mailer Mailer,
	config ServiceConfig,
	opts ...Option,
) *Service {
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = defaultResetTokenTTL
	}
	if config.VerifyTokenTTL <= 0 {
		config.VerifyTokenTTL = defaultVerifyTokenTTL
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	s := &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokenRepo:   tokenRepo,
		hasher:      hasher,
		issuer:      issuer,
		mailer:      mailer,
		config:      config,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup は新規ユーザーを登録し、セッションを発行する。
// 新規ユーザーは常にfreeプラン・メール未確認で作成される。
func (s *Service) Signup(ctx context.Context, in SignupInput) (*Result, error) {
	name := strings.TrimSpace(in.Name)
	if s.sanitizer != nil {
		name = s.sanitizer.Sanitize(name)
	}
	if name == "" {
		return nil, model.NewValidationError("名前を入力してください")
	}
	email, err := ValidateEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	if in.Password != in.ConfirmPassword {
		return nil, model.NewPasswordMismatchError()
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:            uuid.New().String(),
		Name:          name,
		Email:         email,
		Phone:         strings.TrimSpace(in.Phone),
		PasswordHash:  hash,
		Plan:          model.PlanFree,
		EmailVerified: false,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastLoginAt:   &now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		s.record("signup", "failure")
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailAlreadyExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("plan", string(user.Plan)),
	)

	if err := s.sendVerification(ctx, user); err != nil {
		slog.Warn("確認メールの送信に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	result, err := s.createSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.record("signup", "success")
	return result, nil
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
// メールアドレスが未登録の場合もパスワード不一致と同じエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("メールアドレスとパスワードを入力してください")
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.hasher.DummyVerify(password)
		s.record("login", "failure")
		return nil, model.NewInvalidCredentialsError()
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.record("login", "failure")
		slog.Info("login failed", slog.String("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	now := s.now()
	if err := s.userRepo.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLoginAt = &now

	result, err := s.createSession(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	s.record("login", "success")
	return result, nil
}

// Logout はセッションを破棄する。存在しないセッションでもエラーにしない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	s.record("logout", "success")
	return nil
}

// Authenticate はBearerトークンを検証し、ユーザーとセッションを返す。
// 署名不正、期限切れ、失効済みセッションはいずれもUNAUTHORIZEDとなる。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.User, *model.AuthSession, error) {
	if token == "" {
		return nil, nil, model.NewUnauthorizedError()
	}

	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, nil, model.NewUnauthorizedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, claims.SessionID())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.UserID != claims.UserID() {
		return nil, nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewUnauthorizedError()
	}

	return user, session, nil
}

// ForgotPassword はパスワードリセット用リンクを送信する。
// メールアドレスの登録有無は呼び出し元に明かさず、形式が正しければ常に成功する。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	normalized, err := ValidateEmail(email)
	if err != nil {
		return err
	}

	user, err := s.userRepo.FindByEmail(ctx, normalized)
	if err != nil {
		slog.Error("パスワードリセット対象の検索に失敗しました", slog.String("error", err.Error()))
		return nil
	}
	if user == nil {
		slog.Info("password reset requested for unknown email")
		return nil
	}

	plain, err := s.issueActionToken(ctx, user.ID, model.ActionTokenPasswordReset, s.config.ResetTokenTTL)
	if err != nil {
		slog.Error("リセットトークンの発行に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := s.mailer.SendPasswordReset(ctx, user.Email, s.link("/reset-password", plain)); err != nil {
		slog.Error("リセットメールの送信に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.record("password_forgot", "success")
	return nil
}

// ResetPassword はワンタイムトークンを消費してパスワードを再設定する。
// 期限切れはTOKEN_EXPIRED、未知・使用済みはTOKEN_INVALIDを返す。
// 成功時はユーザーの全セッションが失効する。
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	at, err := s.lookupActionToken(ctx, model.ActionTokenPasswordReset, token)
	if err != nil {
		s.record("password_reset", "failure")
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ok, err := s.userRepo.ResetPasswordWithToken(ctx, at.ID, at.UserID, hash, s.now())
	if err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}
	if !ok {
		s.record("password_reset", "failure")
		return model.NewTokenInvalidError()
	}

	slog.Info("password reset", slog.String("user_id", at.UserID))
	s.record("password_reset", "success")
	return nil
}

// VerifyEmail はメール確認トークンを消費し、確認済みになったユーザーを返す。
// トークンは発行対象のユーザー本人のセッションでのみ受け付ける。
func (s *Service) VerifyEmail(ctx context.Context, userID, token string) (*model.User, error) {
	at, err := s.lookupActionToken(ctx, model.ActionTokenEmailVerify, token)
	if err != nil {
		s.record("email_verify", "failure")
		return nil, err
	}
	if at.UserID != userID {
		s.record("email_verify", "failure")
		return nil, model.NewTokenInvalidError()
	}

	ok, err := s.userRepo.VerifyEmailWithToken(ctx, at.ID, at.UserID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to verify email: %w", err)
	}
	if !ok {
		s.record("email_verify", "failure")
		return nil, model.NewTokenInvalidError()
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("email verified", slog.String("user_id", userID))
	s.record("email_verify", "success")
	return user, nil
}

// ResendVerification は確認メールを再送する。確認済みのユーザーには何もしない。
func (s *Service) ResendVerification(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.EmailVerified {
		return nil
	}
	return s.sendVerification(ctx, user)
}

// EnsureDemoUser はデモ用アカウントが存在しなければ作成する。
// proプラン・メール確認済みで作成する。
func (s *Service) EnsureDemoUser(ctx context.Context) (bool, error) {
	existing, err := s.userRepo.FindByEmail(ctx, DemoEmail)
	if err != nil {
		return false, fmt.Errorf("failed to find demo user: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	hash, err := s.hasher.Hash(DemoPassword)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now()
	user := &model.User{
		ID:            uuid.New().String(),
		Name:          "Demo User",
		Email:         DemoEmail,
		PasswordHash:  hash,
		Plan:          model.PlanPro,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create demo user: %w", err)
	}
	return true, nil
}

// createSession はセッションを作成し、署名済みトークンを発行する。
func (s *Service) createSession(ctx context.Context, user *model.User) (*Result, error) {
	now := s.now()
	session := &model.AuthSession{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.config.SessionTTL),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	token, err := s.issuer.Issue(session.ID, user.ID, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &Result{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User:      user,
		SessionID: session.ID,
	}, nil
}

func (s *Service) sendVerification(ctx context.Context, user *model.User) error {
	plain, err := s.issueActionToken(ctx, user.ID, model.ActionTokenEmailVerify, s.config.VerifyTokenTTL)
	if err != nil {
		return err
	}
	return s.mailer.SendVerification(ctx, user.Email, s.link("/verify-email", plain))
}

// issueActionToken はワンタイムトークンを発行し、平文を返す。保存するのはハッシュのみ。
func (s *Service) issueActionToken(ctx context.Context, userID string, kind model.ActionTokenKind, ttl time.Duration) (string, error) {
	plain, err := security.GenerateOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now()
	token := &model.ActionToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		TokenHash: security.HashToken(plain),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.tokenRepo.Create(ctx, token); err != nil {
		return "", fmt.Errorf("failed to save action token: %w", err)
	}
	return plain, nil
}

// lookupActionToken はトークンを検索し、期限切れと無効を区別して返す。
func (s *Service) lookupActionToken(ctx context.Context, kind model.ActionTokenKind, plain string) (*model.ActionToken, error) {
	plain = strings.TrimSpace(plain)
	if !security.LooksLikeOpaqueToken(plain) {
		return nil, model.NewTokenInvalidError()
	}

	at, err := s.tokenRepo.FindByHash(ctx, kind, security.HashToken(plain))
	if err != nil {
		return nil, fmt.Errorf("failed to find action token: %w", err)
	}
	if at == nil || at.UsedAt != nil {
		return nil, model.NewTokenInvalidError()
	}
	if at.Expired(s.now()) {
		return nil, model.NewTokenExpiredError()
	}
	return at, nil
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) record(event, result string) {
	if s.recorder != nil {
		s.recorder.RecordAuthEvent(event, result)
	}
}

// ValidateEmail はメールアドレスの形式を検証し、正規化した値を返す。
func ValidateEmail(email string) (string, error) {
	normalized := model.NormalizeEmail(email)
	if normalized == "" || len(normalized) > 255 {
		return "", model.NewInvalidEmailError()
	}
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized || !strings.Contains(normalized[strings.LastIndex(normalized, "@")+1:], ".") {
		return "", model.NewInvalidEmailError()
	}
	return normalized, nil
}

// ValidatePassword はパスワードの長さを検証する。
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return model.NewWeakPasswordError(MinPasswordLength)
	}
	return nil
}
