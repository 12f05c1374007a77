package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/repository"
)

// --- モック定義 ---

// mockUserRepo はメモリ上でユーザーを保持するUserRepositoryのモック。
// 関数フィールドが設定されている場合はそちらを優先する。
type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User

	// トークン消費とセッション削除を1トランザクションで行う操作を模すため、
	// 同じテストのトークン・セッションのモックを参照する。
	tokens   *mockTokenRepo
	sessions *mockSessionRepo

	createFn      func(ctx context.Context, user *model.User) error
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
}

func newMockUserRepo(tokens *mockTokenRepo, sessions *mockSessionRepo) *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User), tokens: tokens, sessions: sessions}
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*model.AuthSession)}
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[string]*model.ActionToken)}
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	c := *user
	m.users[user.ID] = &c
	return nil
}

func (m *mockUserRepo) UpdateProfile(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *user
	m.users[user.ID] = &c
	return nil
}

func (m *mockUserRepo) UpdatePassword(_ context.Context, userID, passwordHash, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (m *mockUserRepo) ResetPasswordWithToken(_ context.Context, tokenID, userID, passwordHash string, usedAt time.Time) (bool, error) {
	if !m.tokens.consume(tokenID, usedAt) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = passwordHash
	}
	m.sessions.deleteByUser(userID)
	return true, nil
}

func (m *mockUserRepo) VerifyEmailWithToken(_ context.Context, tokenID, userID string, usedAt time.Time) (bool, error) {
	if !m.tokens.consume(tokenID, usedAt) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.EmailVerified = true
	}
	return true, nil
}

func (m *mockUserRepo) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

// mockSessionRepo はメモリ上でセッションを保持するSessionRepositoryのモック。
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.AuthSession
}

func (m *mockSessionRepo) Create(_ context.Context, session *model.AuthSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *session
	m.sessions[session.ID] = &c
	return nil
}

func (m *mockSessionRepo) FindByID(_ context.Context, id string) (*model.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	m.deleteByUser(userID)
	return nil
}

func (m *mockSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) deleteByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
}

func (m *mockSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// mockTokenRepo はメモリ上でワンタイムトークンを保持するActionTokenRepositoryのモック。
type mockTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*model.ActionToken
}

func (m *mockTokenRepo) Create(_ context.Context, token *model.ActionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == token.UserID && t.Kind == token.Kind && t.UsedAt == nil {
			at := token.CreatedAt
			t.UsedAt = &at
		}
	}
	c := *token
	m.tokens[token.ID] = &c
	return nil
}

func (m *mockTokenRepo) FindByHash(_ context.Context, kind model.ActionTokenKind, tokenHash string) (*model.ActionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Kind == kind && t.TokenHash == tokenHash {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockTokenRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockTokenRepo) consume(id string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.UsedAt != nil {
		return false
	}
	t.UsedAt = &at
	return true
}

// expire はトークンの有効期限を過去に書き換える。
func (m *mockTokenRepo) expire(kind model.ActionTokenKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Kind == kind {
			t.ExpiresAt = time.Now().Add(-time.Minute)
		}
	}
}

// mockMailer は送信したリンクを記録するMailerのモック。
type mockMailer struct {
	mu          sync.Mutex
	resetLinks  []string
	verifyLinks []string
}

func (m *mockMailer) SendPasswordReset(_ context.Context, _ string, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLinks = append(m.resetLinks, link)
	return nil
}

func (m *mockMailer) SendVerification(_ context.Context, _ string, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyLinks = append(m.verifyLinks, link)
	return nil
}

type mockRecorder struct {
	mu     sync.Mutex
	events []string
}

func (m *mockRecorder) RecordAuthEvent(event, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event+":"+result)
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ repository.ActionTokenRepository = (*mockTokenRepo)(nil)
var _ Mailer = (*mockMailer)(nil)
var _ Recorder = (*mockRecorder)(nil)
