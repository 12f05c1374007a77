package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSessionSecretLen はトークン署名鍵として受け入れるSESSION_SECRETの最小長。
const minSessionSecretLen = 32

// Config はサーバー全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionSecret string
	SessionMaxAge int
	BcryptCost    int

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Notifications
	NotifyInterval         time.Duration
	NotifyProbability      float64
	NotifyGeneratorEnabled bool
	NotifyCapacity         int

	// Announcements
	AnnounceFeedURL  string
	AnnounceInterval time.Duration
	AnnounceTimeout  time.Duration

	// Cleanup
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string

	// Seed
	SeedDemoUser bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < minSessionSecretLen {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLen)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.NotifyInterval = getEnvDuration("NOTIFY_INTERVAL", 30*time.Second)
	cfg.NotifyProbability = getEnvFloat("NOTIFY_PROBABILITY", 0.1)
	cfg.NotifyGeneratorEnabled = getEnvBool("NOTIFY_GENERATOR_ENABLED", true)
	cfg.NotifyCapacity = getEnvInt("NOTIFY_CAPACITY", 200)
	cfg.AnnounceFeedURL = getEnvString("ANNOUNCE_FEED_URL", "")
	cfg.AnnounceInterval = getEnvDuration("ANNOUNCE_INTERVAL", 15*time.Minute)
	cfg.AnnounceTimeout = getEnvDuration("ANNOUNCE_TIMEOUT", 10*time.Second)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.SeedDemoUser = getEnvBool("SEED_DEMO_USER", false)

	if cfg.NotifyProbability < 0 || cfg.NotifyProbability > 1 {
		return nil, fmt.Errorf("NOTIFY_PROBABILITY must be between 0 and 1, got %v", cfg.NotifyProbability)
	}

	return cfg, nil
}

// SessionTTL はセッションの有効期間を返す。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

// ClientConfig はengagectlの設定を保持する。
// 値は環境変数から読み込み、コマンドラインフラグで上書きされる。
type ClientConfig struct {
	APIURL   string
	StateDir string
	Timeout  time.Duration
}

// LoadClient は環境変数からClientConfigを読み込む。
// 状態ディレクトリのデフォルトはユーザー設定ディレクトリ配下のengagepro。
func LoadClient() ClientConfig {
	stateDir := os.Getenv("ENGAGEPRO_STATE_DIR")
	if stateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			stateDir = dir + string(os.PathSeparator) + "engagepro"
		} else {
			stateDir = ".engagepro"
		}
	}
	return ClientConfig{
		APIURL:   strings.TrimRight(getEnvString("ENGAGEPRO_API_URL", "http://localhost:8080"), "/"),
		StateDir: stateDir,
		Timeout:  getEnvDuration("ENGAGEPRO_TIMEOUT", 15*time.Second),
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
