package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/engagepro/internal/auth"
	"github.com/hitoshi/engagepro/internal/metrics"
	"github.com/hitoshi/engagepro/internal/middleware"
	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
	"github.com/hitoshi/engagepro/internal/security"
)

// --- モック定義 ---

type mockTokenAuthenticator struct {
	tokens map[string]string // token -> userID
}

func (m *mockTokenAuthenticator) Authenticate(ctx context.Context, token string) (*model.User, *model.AuthSession, error) {
	userID, ok := m.tokens[token]
	if !ok {
		return nil, nil, model.NewTokenInvalidError()
	}
	return &model.User{ID: userID, Email: userID + "@example.com", Plan: model.PlanFree},
		&model.AuthSession{ID: "sess-" + userID, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)},
		nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストヘルパー ---

type routerEnv struct {
	router  http.Handler
	hub     *notification.Hub
	limiter *middleware.RateLimiter
	health  *mockHealthChecker
	authSvc *mockAuthService
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
// "valid-token"はuser-test-1として認証される。
func createTestRouter(t *testing.T, authBurst int) *routerEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	limiterCfg := middleware.DefaultRateLimiterConfig()
	limiterCfg.AuthBurst = authBurst
	limiter := middleware.NewRateLimiter(limiterCfg)
	t.Cleanup(limiter.Stop)

	hub := notification.NewHub(nil)
	health := &mockHealthChecker{}
	authSvc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			if email == "demo@example.com" && password == "password" {
				return demoResult(), nil
			}
			return nil, model.NewInvalidCredentialsError()
		},
	}

	deps := &RouterDeps{
		Authenticator:     &mockTokenAuthenticator{tokens: map[string]string{"valid-token": "user-test-1"}},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		HTTPRecorder:      collector,
		HealthChecker:     health,
		MetricsHandler:    metrics.Handler(reg),

		AuthService: authSvc,
		UserService: &mockUserService{},

		NotificationHub:      hub,
		URLValidator:         security.NewURLGuard(),
		TextSanitizer:        security.NewTextSanitizer(),
		NotificationRecorder: collector,
	}

	return &routerEnv{
		router:  NewRouter(deps),
		hub:     hub,
		limiter: limiter,
		health:  health,
		authSvc: authSvc,
	}
}

func (e *routerEnv) send(method, target, body, token string) *http.Response {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w.Result()
}

// --- テスト ---

func TestRouter_Health(t *testing.T) {
	env := createTestRouter(t, 10)

	resp := env.send(http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	env.health.err = errors.New("connection refused")
	resp = env.send(http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestRouter_MetricsExposed(t *testing.T) {
	env := createTestRouter(t, 10)

	env.send(http.MethodGet, "/health", "", "")
	resp := env.send(http.MethodGet, "/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "engagepro_http_status_total") {
		t.Error("metrics output missing engagepro_http_status_total")
	}
}

func TestRouter_ProtectedRoutesRequireBearer(t *testing.T) {
	env := createTestRouter(t, 10)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/me"},
		{http.MethodPost, "/v1/logout"},
		{http.MethodPost, "/v1/email/verify"},
		{http.MethodPost, "/v1/email/resend"},
		{http.MethodPatch, "/v1/profile"},
		{http.MethodPost, "/v1/password/change"},
		{http.MethodDelete, "/v1/account"},
		{http.MethodGet, "/v1/notifications"},
		{http.MethodPost, "/v1/notifications"},
		{http.MethodDelete, "/v1/notifications"},
		{http.MethodPost, "/v1/notifications/read-all"},
		{http.MethodPost, "/v1/notifications/abc/read"},
		{http.MethodDelete, "/v1/notifications/abc"},
		{http.MethodGet, "/v1/notifications/stream"},
		{http.MethodPost, "/v1/posts/publish"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			resp := env.send(rt.method, rt.path, "", "")
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestRouter_InvalidToken_Returns401WithCode(t *testing.T) {
	env := createTestRouter(t, 10)

	resp := env.send(http.MethodGet, "/v1/me", "", "forged-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if body := decodeError(t, resp); body.Code != model.ErrCodeTokenInvalid {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeTokenInvalid)
	}
}

func TestRouter_LoginThenNotifications(t *testing.T) {
	env := createTestRouter(t, 10)

	resp := env.send(http.MethodPost, "/v1/login", `{"email":"demo@example.com","password":"password"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = env.send(http.MethodPost, "/v1/notifications", `{"type":"success","title":"Done"}`, "valid-token")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	resp = env.send(http.MethodGet, "/v1/notifications", "", "valid-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body notificationListResponse
	decodeData(t, resp, &body)
	if len(body.Notifications) != 1 || body.UnreadCount != 1 {
		t.Errorf("list = %d items, unread %d", len(body.Notifications), body.UnreadCount)
	}
	if _, ok := env.hub.Lookup("user-test-1"); !ok {
		t.Error("store for authenticated user should exist in hub")
	}
}

func TestRouter_Me_UsesAuthenticatedUser(t *testing.T) {
	env := createTestRouter(t, 10)

	resp := env.send(http.MethodGet, "/v1/me", "", "valid-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body userResponse
	decodeData(t, resp, &body)
	if body.ID != "user-test-1" {
		t.Errorf("id = %q, want user-test-1", body.ID)
	}
}

func TestRouter_CredentialEndpointsAreRateLimitedPerIP(t *testing.T) {
	env := createTestRouter(t, 2)

	for i := 0; i < 2; i++ {
		resp := env.send(http.MethodPost, "/v1/login", `{"email":"x@example.com","password":"wrong"}`, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("request %d: status = %d, want %d", i, resp.StatusCode, http.StatusUnauthorized)
		}
	}

	// ログイン・サインアップ・リセットは同じIP単位の枠を共有する
	resp := env.send(http.MethodPost, "/v1/password/forgot", `{"email":"x@example.com"}`, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	if body := decodeError(t, resp); body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}

	// 保護ルートはユーザー単位の制限なので影響を受けない
	if resp := env.send(http.MethodGet, "/v1/me", "", "valid-token"); resp.StatusCode != http.StatusOK {
		t.Errorf("protected route status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := createTestRouter(t, 10)

	req := httptest.NewRequest(http.MethodOptions, "/v1/notifications", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()

	env.router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("Authorization should be an allowed header")
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	env := createTestRouter(t, 10)

	resp := env.send(http.MethodGet, "/health", "", "")
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
