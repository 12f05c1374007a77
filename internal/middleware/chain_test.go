package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// newTestChainRouter は本番と同じ順序でミドルウェアを積んだルーターを返す。
// CORS → SecurityHeaders → Recovery → Logging →（保護ルートのみ）Auth → RateLimit
func newTestChainRouter(t *testing.T, logBuf *bytes.Buffer) http.Handler {
	t.Helper()

	rl := NewRateLimiter(testRateLimiterConfig(100, 100))
	t.Cleanup(rl.Stop)

	logger := slog.New(slog.NewJSONHandler(logBuf, nil))

	r := chi.NewRouter()
	r.Use(NewCORSMiddleware("http://localhost:3000"))
	r.Use(NewSecurityHeadersMiddleware(false))
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewLoggingMiddleware(logger))

	r.With(rl.AuthEndpointMiddleware()).Post("/v1/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(validTokenAuthenticator("chain-token", "user-chain-test")))
		r.Use(rl.GeneralMiddleware())

		r.Get("/v1/me", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		})
		r.Get("/v1/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	})

	return r
}

// TestMiddlewareChain_ProtectedRoute_WithToken は保護ルートがBearerトークン付きで通ることを検証する。
func TestMiddlewareChain_ProtectedRoute_WithToken(t *testing.T) {
	var logBuf bytes.Buffer
	router := newTestChainRouter(t, &logBuf)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer chain-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["user_id"] != "user-chain-test" {
		t.Errorf("user_id = %q, want %q", body["user_id"], "user-chain-test")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on protected route")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("expected CORS headers on protected route")
	}
}

// TestMiddlewareChain_NoToken_Returns401 はトークンがない場合に401が返されることを検証する。
func TestMiddlewareChain_NoToken_Returns401(t *testing.T) {
	var logBuf bytes.Buffer
	router := newTestChainRouter(t, &logBuf)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestMiddlewareChain_PublicRoute_NoToken は認証不要ルートがトークンなしで通ることを検証する。
func TestMiddlewareChain_PublicRoute_NoToken(t *testing.T) {
	var logBuf bytes.Buffer
	router := newTestChainRouter(t, &logBuf)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/login", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

// TestMiddlewareChain_PanicRecovered はpanicが500の統一エラーに変換されることを検証する。
func TestMiddlewareChain_PanicRecovered(t *testing.T) {
	var logBuf bytes.Buffer
	router := newTestChainRouter(t, &logBuf)

	req := httptest.NewRequest(http.MethodGet, "/v1/panic", nil)
	req.Header.Set("Authorization", "Bearer chain-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

// TestMiddlewareChain_Preflight はOPTIONSプリフライトが認証なしで204になることを検証する。
func TestMiddlewareChain_Preflight(t *testing.T) {
	var logBuf bytes.Buffer
	router := newTestChainRouter(t, &logBuf)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/me", nil))

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
}
