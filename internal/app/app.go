package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/engagepro/internal/auth"
	"github.com/hitoshi/engagepro/internal/config"
	"github.com/hitoshi/engagepro/internal/database"
	"github.com/hitoshi/engagepro/internal/handler"
	"github.com/hitoshi/engagepro/internal/logger"
	"github.com/hitoshi/engagepro/internal/metrics"
	"github.com/hitoshi/engagepro/internal/middleware"
	"github.com/hitoshi/engagepro/internal/notification"
	"github.com/hitoshi/engagepro/internal/repository"
	"github.com/hitoshi/engagepro/internal/security"
	"github.com/hitoshi/engagepro/internal/user"
	"github.com/hitoshi/engagepro/internal/worker/announce"
	"github.com/hitoshi/engagepro/internal/worker/cleanup"
	"github.com/hitoshi/engagepro/internal/worker/notify"
)

// tokenIssuerName はBearerトークンのissクレーム。
const tokenIssuerName = "engagepro"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandCleanup:
		return runCleanupOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newAuthService は認証サービスを構築する。serveとmigrateで共用する。
func newAuthService(cfg *config.Config, db *sql.DB, hasher *security.PasswordHasher, collector *metrics.Collector) *auth.Service {
	issuer := security.NewTokenIssuer([]byte(cfg.SessionSecret), tokenIssuerName, cfg.SessionTTL())

	opts := []auth.Option{auth.WithSanitizer(security.NewTextSanitizer())}
	if collector != nil {
		opts = append(opts, auth.WithRecorder(collector))
	}

	return auth.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresActionTokenRepo(db),
		hasher,
		issuer,
		auth.NewLogMailer(slog.Default()),
		auth.ServiceConfig{
			SessionTTL: cfg.SessionTTL(),
			BaseURL:    cfg.BaseURL,
		},
		opts...,
	)
}

// newNotificationHub はユーザーごとの通知ストアを管理するHubを構築する。
// ストアは初回アクセス時にデモ通知で初期化される。
func newNotificationHub(cfg *config.Config) *notification.Hub {
	return notification.NewHub(func() *notification.Store {
		return notification.NewStore(
			notification.WithCapacity(cfg.NotifyCapacity),
			notification.WithLogger(slog.Default()),
			notification.WithSeed(),
		)
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// 通知ストアはプロセス内メモリのため、通知ジェネレーターとお知らせポーラーもここで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. セキュリティサービスの初期化
	hasher := security.NewPasswordHasher(cfg.BcryptCost)
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	// 4. ドメインサービスの初期化
	hub := newNotificationHub(cfg)
	authService := newAuthService(cfg, db, hasher, collector)
	userService := user.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresSessionRepo(db),
		hasher, urlGuard, sanitizer, hub,
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              strings.HasPrefix(cfg.BaseURL, "https://"),
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		HTTPRecorder:      collector,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),

		AuthService: authService,
		UserService: userService,

		NotificationHub:      hub,
		URLValidator:         urlGuard,
		TextSanitizer:        sanitizer,
		NotificationRecorder: collector,
	}

	router := handler.NewRouter(deps)

	// 6. バックグラウンドジョブの起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NotifyGeneratorEnabled {
		generator := notify.NewGenerator(hub, slog.Default(), notify.Config{
			Interval:    cfg.NotifyInterval,
			Probability: cfg.NotifyProbability,
		}, notify.WithRecorder(collector))
		go generator.Start(ctx)
	}

	if cfg.AnnounceFeedURL != "" {
		poller := announce.NewPoller(announce.Config{
			FeedURL:  cfg.AnnounceFeedURL,
			Interval: cfg.AnnounceInterval,
			Timeout:  cfg.AnnounceTimeout,
		}, urlGuard, hub, sanitizer, slog.Default(), announce.WithRecorder(collector))
		go poller.Start(ctx)
	}

	// 7. HTTPサーバーの起動
	// WriteTimeoutはSSEストリームではハンドラー側で解除する
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// シャットダウン開始時にジョブを止め、ストアを閉じてSSEストリームを終了させる
	server.RegisterOnShutdown(func() {
		cancel()
		for _, userID := range hub.UserIDs() {
			hub.Drop(userID)
		}
	})

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("notify_generator", cfg.NotifyGeneratorEnabled),
			slog.Bool("announcements", cfg.AnnounceFeedURL != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newCleanupJob はDB上の期限切れデータを対象にしたクリーンアップジョブを構築する。
func newCleanupJob(db *sql.DB) *cleanup.CleanupJob {
	return cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresActionTokenRepo(db),
		slog.Default(),
		metrics.NewCollector(prometheus.NewRegistry()),
	)
}

// runCleanupOnce はクリーンアップを1回実行して終了する。
func runCleanupOnce(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return newCleanupJob(db).Run(ctx)
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッション・トークンのクリーンアップジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := newCleanupJob(db)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用し、SEED_DEMO_USERが有効ならデモアカウントを作成する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)

	if !cfg.SeedDemoUser {
		return nil
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	authService := newAuthService(cfg, db, security.NewPasswordHasher(cfg.BcryptCost), nil)
	created, err := authService.EnsureDemoUser(context.Background())
	if err != nil {
		return fmt.Errorf("failed to seed demo user: %w", err)
	}
	slog.Info("demo user ensured",
		slog.String("email", auth.DemoEmail),
		slog.Bool("created", created),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
