package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/engagepro/internal/middleware"
)

// streamPath は長時間接続となるSSEエンドポイントのパス。
const streamPath = "/v1/notifications/stream"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	HSTS              bool
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	HTTPRecorder      middleware.HTTPRecorder

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface

	// ユーザー
	UserService UserServiceInterface

	// 通知
	NotificationHub      NotificationHub
	URLValidator         URLValidator
	TextSanitizer        TextSanitizer
	NotificationRecorder NotificationRecorder
	StreamHeartbeat      time.Duration
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Logging → Metrics
//	  認証エンドポイント: AuthEndpointMiddleware（IP単位）
//	  保護ルート: AuthMiddleware → GeneralMiddleware（ユーザー単位）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// CORS ミドルウェアを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.HTTPRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.HTTPRecorder, streamPath))
	}

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	healthHandler := NewHealthHandler(deps.HealthChecker)
	notificationHandler := NewNotificationHandler(
		deps.NotificationHub, deps.URLValidator, deps.TextSanitizer, deps.NotificationRecorder,
		WithHeartbeat(deps.StreamHeartbeat),
	)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 資格情報を受け取るエンドポイント（IP単位のレート制限）
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthEndpointMiddleware())

		r.Post("/v1/login", authHandler.Login)
		r.Post("/v1/signup", authHandler.Signup)
		r.Post("/v1/password/forgot", authHandler.ForgotPassword)
		r.Post("/v1/password/reset", authHandler.ResetPassword)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/v1/logout", authHandler.Logout)
		r.Get("/v1/me", authHandler.Me)

		r.Route("/v1/email", func(r chi.Router) {
			r.Post("/verify", authHandler.VerifyEmail)
			r.Post("/resend", authHandler.ResendVerification)
		})

		// ユーザー管理
		r.Patch("/v1/profile", userHandler.UpdateProfile)
		r.Post("/v1/password/change", userHandler.ChangePassword)
		r.Delete("/v1/account", userHandler.Withdraw)

		// 通知センター
		r.Route("/v1/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Post("/", notificationHandler.Add)
			r.Delete("/", notificationHandler.ClearAll)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Get("/stream", notificationHandler.Stream)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/read", notificationHandler.MarkRead)
				r.Delete("/", notificationHandler.Remove)
			})
		})

		r.Post("/v1/posts/publish", notificationHandler.Publish)
	})

	return r
}
