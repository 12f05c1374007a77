// Package session はクライアント側のセッションストアを提供する。
// ログイン中のユーザー情報とBearerトークンを保持し、ローカルストレージに永続化する。
// 状態の変更と永続化は同一のクリティカルセクションで行い、変更は購読者に配信する。
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/engagepro/internal/apiclient"
	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/storage"
)

// Session はログイン中のユーザーのセッション。
// TokenはストレージのtokenキーとしてJSONとは別に保存する。
type Session struct {
	UserID        string     `json:"userId"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	Plan          model.Plan `json:"plan"`
	EmailVerified bool       `json:"emailVerified"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	Token         string     `json:"-"`
}

// Destination は状態変化の後にUIが遷移すべき画面。
type Destination string

const (
	NavigateNone      Destination = ""
	NavigateDashboard Destination = "/dashboard"
	NavigateLogin     Destination = "/login"
)

// EventKind はセッションの変更種別。
type EventKind string

const (
	EventLogin   EventKind = "login"
	EventSignup  EventKind = "signup"
	EventLogout  EventKind = "logout"
	EventUpdated EventKind = "updated"
	// EventExpired はサーバーにトークンを拒否されセッションを破棄したことを示す。
	EventExpired EventKind = "expired"
)

// Event はセッションの変更通知。ログアウト系のイベントではSessionはnil。
type Event struct {
	Kind     EventKind
	Session  *Session
	Navigate Destination
}

// API はセッションストアが使うREST APIの操作。apiclient.Clientが実装する。
type API interface {
	Login(ctx context.Context, email, password string) (*apiclient.AuthResult, error)
	Signup(ctx context.Context, in apiclient.SignupRequest) (*apiclient.AuthResult, error)
	Logout(ctx context.Context, token string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, resetToken, password string) error
	VerifyEmail(ctx context.Context, token, verifyToken string) (*apiclient.User, error)
	ResendVerification(ctx context.Context, token string) error
	UpdateProfile(ctx context.Context, token string, patch apiclient.ProfilePatch) (*apiclient.User, error)
	ChangePassword(ctx context.Context, token, current, next string) error
}

// Storage はセッションの永続化先。storage.DBが実装する。
type Storage interface {
	Load() (token string, record []byte, err error)
	Save(token string, record []byte) error
	Clear() error
}

// SignupInput はサインアップの入力。
type SignupInput struct {
	Name            string
	Email           string
	Phone           string
	Password        string
	ConfirmPassword string
}

// ProfilePatch はプロフィールの部分更新内容。nilのフィールドは変更しない。
type ProfilePatch struct {
	Name   *string
	Email  *string
	Phone  *string
	Avatar *string
}

const subscriberBuffer = 8

// Store はクライアント側のセッションストア。
type Store struct {
	api     API
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	flight   singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flightCall

	mu      sync.Mutex
	current *Session
	subs    map[int]chan Event
	nextSub int
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore はStoreを生成する。永続化済みのセッションを読み込むにはRestoreを呼ぶ。
func NewStore(api API, st Storage, opts ...Option) *Store {
	s := &Store{
		api:     api,
		storage: st,
		logger:  slog.Default(),
		now:     time.Now,
		subs:    make(map[int]chan Event),
		flights: make(map[string]*flightCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore はストレージからセッションを読み込む。起動時に1回呼ぶ。
// 保存されていない、スキーマが古い、期限切れのいずれの場合もログアウト状態になる。
func (s *Store) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, record, err := s.storage.Load()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.current = nil
		return nil
	case errors.Is(err, storage.ErrUnknownVersion):
		s.logger.Warn("discarding session with unknown schema version", slog.String("error", err.Error()))
		s.current = nil
		return s.storage.Clear()
	case err != nil:
		return fmt.Errorf("failed to restore session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(record, &sess); err != nil {
		s.logger.Warn("discarding unreadable session", slog.String("error", err.Error()))
		s.current = nil
		return s.storage.Clear()
	}
	sess.Token = token

	if s.expiredLocked(&sess) {
		s.logger.Info("stored session has expired", slog.Time("expires_at", sess.ExpiresAt))
		s.current = nil
		return s.storage.Clear()
	}
	s.current = &sess
	return nil
}

// Current は現在のセッションのコピーを返す。未ログインの場合はfalse。
func (s *Store) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.expiredLocked(s.current) {
		return Session{}, false
	}
	return *s.current, true
}

// IsAuthenticated はトークンが有効期限内のセッションがあるかを返す。
func (s *Store) IsAuthenticated() bool {
	_, ok := s.Current()
	return ok
}

// Token は現在のBearerトークンを返す。未ログインの場合はErrNotAuthenticated。
func (s *Store) Token() (string, error) {
	sess, ok := s.Current()
	if !ok {
		return "", ErrNotAuthenticated
	}
	return sess.Token, nil
}

// Subscribe はセッションの変更イベントを受け取るチャネルを返す。
// 返されたcancel関数を呼ぶとチャネルはクローズされる。
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Login はメールアドレスとパスワードでログインし、セッションを丸ごと置き換える。
// 同じ資格情報での同時呼び出しは1回のAPI呼び出しにまとめられる。
// 失敗した場合、現在の状態は変更しない。
func (s *Store) Login(ctx context.Context, email, password string) (Session, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, validationError(model.ErrCodeValidation, "メールアドレスとパスワードを入力してください")
	}

	return s.coalesce(ctx, flightKey("login", email, password), func(ctx context.Context) (*Session, error) {
		res, err := s.api.Login(ctx, email, password)
		if err != nil {
			return nil, fromAPI(err)
		}
		sess := fromAuthResult(res)
		if err := s.replace(sess, EventLogin); err != nil {
			return nil, err
		}
		return sess, nil
	})
}

// Signup は新規アカウントを作成し、ログイン状態にする。
// パスワードと確認用パスワードの不一致はAPIを呼ぶ前に検証エラーとなる。
func (s *Store) Signup(ctx context.Context, in SignupInput) (Session, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = model.NormalizeEmail(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return Session{}, validationError(model.ErrCodeValidation, "名前、メールアドレス、パスワードを入力してください")
	}
	if in.Password != in.ConfirmPassword {
		return Session{}, validationError(model.ErrCodePasswordMismatch, "パスワードが一致しません")
	}

	key := flightKey("signup", in.Name, in.Email, in.Phone, in.Password, in.ConfirmPassword)
	return s.coalesce(ctx, key, func(ctx context.Context) (*Session, error) {
		res, err := s.api.Signup(ctx, apiclient.SignupRequest{
			Name:            in.Name,
			Email:           in.Email,
			Phone:           in.Phone,
			Password:        in.Password,
			ConfirmPassword: in.ConfirmPassword,
		})
		if err != nil {
			return nil, fromAPI(err)
		}
		sess := fromAuthResult(res)
		if err := s.replace(sess, EventSignup); err != nil {
			return nil, err
		}
		return sess, nil
	})
}

// flightCall はまとめられた呼び出しが共有するcontextと待機中の呼び出し元の数。
type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// flightKey は入力すべてのダイジェストからsingleflightのキーを作る。
// 入力が1つでも異なる呼び出しはまとめない。
func flightKey(op string, fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// coalesce は同じキーの同時呼び出しを1回のfnにまとめる。
// fnに渡すcontextは待機中の呼び出し元が1つでも残っている間は有効で、
// 各呼び出し元は自分のctxがキャンセルされた時点で待機をやめる。
func (s *Store) coalesce(ctx context.Context, key string, fn func(context.Context) (*Session, error)) (Session, error) {
	shared := s.joinFlight(ctx, key)
	defer s.leaveFlight(key)

	ch := s.flight.DoChan(key, func() (any, error) { return fn(shared) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return *res.Val.(*Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (s *Store) joinFlight(ctx context.Context, key string) context.Context {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	call, ok := s.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &flightCall{ctx: fctx, cancel: cancel}
		s.flights[key] = call
	}
	call.waiters++
	return call.ctx
}

func (s *Store) leaveFlight(key string) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	call, ok := s.flights[key]
	if !ok {
		return
	}
	call.waiters--
	if call.waiters > 0 {
		return
	}
	delete(s.flights, key)
	call.cancel()
	// 誰も待っていない実行中の呼び出しに後続を合流させない
	s.flight.Forget(key)
}

// Logout はメモリとストレージのセッションを無条件に破棄する。何度呼んでもよい。
// サーバー側のセッション失効はベストエフォートで、失敗してもエラーは返さない。
// 期限切れのセッションはCurrentと同じく未ログインとして扱い、イベントもサーバー呼び出しもしない。
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	var token string
	live := s.current != nil && !s.expiredLocked(s.current)
	if live {
		token = s.current.Token
	}
	s.current = nil
	clearErr := s.storage.Clear()
	if live {
		s.publishLocked(Event{Kind: EventLogout, Navigate: NavigateLogin})
	}
	s.mu.Unlock()

	if token != "" {
		if err := s.api.Logout(ctx, token); err != nil {
			s.logger.Warn("failed to revoke session on server", slog.String("error", err.Error()))
		}
	}
	if clearErr != nil {
		return fmt.Errorf("failed to clear stored session: %w", clearErr)
	}
	return nil
}

// ForgotPassword はパスワードリセットメールの送信を依頼する。
// アカウントの有無にかかわらず、通信に成功すればnilを返す。
func (s *Store) ForgotPassword(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	if email == "" {
		return validationError(model.ErrCodeInvalidEmail, "メールアドレスを入力してください")
	}
	return fromAPI(s.api.ForgotPassword(ctx, email))
}

// ResetPassword はリセットトークンで新しいパスワードを設定する。
// 期限切れはKindTokenExpired、無効なトークンはKindTokenInvalidになる。
func (s *Store) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	resetToken = strings.TrimSpace(resetToken)
	if resetToken == "" {
		return &Error{Kind: KindTokenInvalid, Code: model.ErrCodeTokenInvalid, Message: "リセットトークンがありません", Action: "メールのリンクを開き直してください"}
	}
	if newPassword == "" {
		return validationError(model.ErrCodeWeakPassword, "新しいパスワードを入力してください")
	}
	return fromAPI(s.api.ResetPassword(ctx, resetToken, newPassword))
}

// VerifyEmail はメール確認トークンを検証し、成功したらemailVerifiedを更新する。
func (s *Store) VerifyEmail(ctx context.Context, verifyToken string) (Session, error) {
	token, err := s.Token()
	if err != nil {
		return Session{}, err
	}
	verifyToken = strings.TrimSpace(verifyToken)
	if verifyToken == "" {
		return Session{}, &Error{Kind: KindTokenInvalid, Code: model.ErrCodeTokenInvalid, Message: "確認トークンがありません"}
	}

	u, err := s.api.VerifyEmail(ctx, token, verifyToken)
	if err != nil {
		return Session{}, s.authFailure(token, err)
	}
	return s.patch(token, func(sess *Session) {
		applyUser(sess, u)
		sess.EmailVerified = true
	})
}

// ResendVerification は確認メールを再送する。ログインが必要。
func (s *Store) ResendVerification(ctx context.Context) error {
	token, err := s.Token()
	if err != nil {
		return err
	}
	if err := s.api.ResendVerification(ctx, token); err != nil {
		return s.authFailure(token, err)
	}
	return nil
}

// UpdateProfile はプロフィールを部分更新し、セッションに反映する。
func (s *Store) UpdateProfile(ctx context.Context, patch ProfilePatch) (Session, error) {
	token, err := s.Token()
	if err != nil {
		return Session{}, err
	}
	if patch.Name == nil && patch.Email == nil && patch.Phone == nil && patch.Avatar == nil {
		return Session{}, validationError(model.ErrCodeValidation, "更新する項目を指定してください")
	}

	u, err := s.api.UpdateProfile(ctx, token, apiclient.ProfilePatch(patch))
	if err != nil {
		return Session{}, s.authFailure(token, err)
	}
	return s.patch(token, func(sess *Session) { applyUser(sess, u) })
}

// ChangePassword は現在のパスワードを確認した上でパスワードを変更する。
// 現在のパスワードの照合はサーバーが行う。
func (s *Store) ChangePassword(ctx context.Context, current, next string) error {
	token, err := s.Token()
	if err != nil {
		return err
	}
	if current == "" || next == "" {
		return validationError(model.ErrCodeValidation, "現在のパスワードと新しいパスワードを入力してください")
	}
	if err := s.api.ChangePassword(ctx, token, current, next); err != nil {
		return s.authFailure(token, err)
	}
	return nil
}

// HandleUnauthorized はtokenがサーバーに拒否された場合にセッションを破棄する。
// 通知ストリームなどストア外のAPI呼び出しから使う。
func (s *Store) HandleUnauthorized(token string, err error) {
	if apiclient.IsUnauthorized(err) {
		s.expire(token)
	}
}

// replace はセッションを丸ごと置き換えて永続化する。
func (s *Store) replace(sess *Session, kind EventKind) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Save(sess.Token, record); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	s.current = sess
	snapshot := *sess
	s.publishLocked(Event{Kind: kind, Session: &snapshot, Navigate: NavigateDashboard})
	return nil
}

// patch は現在のセッションをその場で更新して永続化する。
// API呼び出し中にログアウトや再ログインがあった場合は何もしない。
func (s *Store) patch(token string, fn func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Token != token {
		return Session{}, ErrNotAuthenticated
	}
	updated := *s.current
	fn(&updated)

	record, err := json.Marshal(&updated)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.storage.Save(updated.Token, record); err != nil {
		return Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	s.current = &updated
	snapshot := updated
	s.publishLocked(Event{Kind: EventUpdated, Session: &snapshot})
	return updated, nil
}

// authFailure はAPIエラーを変換し、トークン拒否であればセッションを破棄する。
func (s *Store) authFailure(token string, err error) error {
	s.HandleUnauthorized(token, err)
	return fromAPI(err)
}

func (s *Store) expire(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Token != token {
		return
	}
	s.current = nil
	if err := s.storage.Clear(); err != nil {
		s.logger.Warn("failed to clear rejected session", slog.String("error", err.Error()))
	}
	s.publishLocked(Event{Kind: EventExpired, Navigate: NavigateLogin})
}

func (s *Store) expiredLocked(sess *Session) bool {
	return !sess.ExpiresAt.IsZero() && !s.now().Before(sess.ExpiresAt)
}

func (s *Store) publishLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("session event dropped", slog.String("kind", string(ev.Kind)))
		}
	}
}

func fromAuthResult(res *apiclient.AuthResult) *Session {
	sess := &Session{Token: res.Token, ExpiresAt: res.ExpiresAt}
	applyUser(sess, &res.User)
	return sess
}

func applyUser(sess *Session, u *apiclient.User) {
	sess.UserID = u.ID
	sess.Name = u.Name
	sess.Email = u.Email
	sess.Phone = u.Phone
	sess.Avatar = u.Avatar
	sess.Plan = u.Plan
	sess.EmailVerified = u.EmailVerified
	sess.CreatedAt = u.CreatedAt
	sess.LastLoginAt = u.LastLoginAt
}

var (
	_ API     = (*apiclient.Client)(nil)
	_ Storage = (*storage.DB)(nil)
)
