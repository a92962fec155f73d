package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Withings（体重計プロバイダー）
	WithingsClientID     string
	WithingsClientSecret string
	WithingsRedirectURL  string

	// Google（カレンダープロバイダー）。未設定の場合は連携を無効にする
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Sync
	SyncLookback       time.Duration
	SyncFetchAttempts  int
	SyncRetryBaseDelay time.Duration

	// Provider API
	ProviderHTTPTimeout time.Duration
	ProviderRatePerSec  float64

	// Rate Limit
	RateLimitSync   int // 1分あたり、プロバイダーごと
	RateLimitIngest int // 1分あたり、送信元IPごと

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	BaseURL     string
	SettingsURL string

	// Cookie
	CookieSecure bool

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// GoogleEnabled はカレンダー連携の設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
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

	cfg.WithingsClientID = os.Getenv("WITHINGS_CLIENT_ID")
	if cfg.WithingsClientID == "" {
		missing = append(missing, "WITHINGS_CLIENT_ID")
	}

	cfg.WithingsClientSecret = os.Getenv("WITHINGS_CLIENT_SECRET")
	if cfg.WithingsClientSecret == "" {
		missing = append(missing, "WITHINGS_CLIENT_SECRET")
	}

	cfg.WithingsRedirectURL = os.Getenv("WITHINGS_REDIRECT_URL")
	if cfg.WithingsRedirectURL == "" {
		missing = append(missing, "WITHINGS_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	cfg.SyncLookback = getEnvDuration("SYNC_LOOKBACK", 720*time.Hour)
	cfg.SyncFetchAttempts = getEnvInt("SYNC_FETCH_ATTEMPTS", 3)
	cfg.SyncRetryBaseDelay = getEnvDuration("SYNC_RETRY_BASE_DELAY", time.Second)
	cfg.ProviderHTTPTimeout = getEnvDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second)
	cfg.ProviderRatePerSec = getEnvFloat("PROVIDER_RATE_PER_SEC", 2)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 6)
	cfg.RateLimitIngest = getEnvInt("RATE_LIMIT_INGEST", 60)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.SettingsURL = getEnvString("SETTINGS_URL", strings.TrimSuffix(cfg.BaseURL, "/")+"/settings")
	if err := validateAbsoluteURL(cfg.SettingsURL); err != nil {
		return nil, fmt.Errorf("invalid SETTINGS_URL: %w", err)
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// validateAbsoluteURL はOAuthコールバック後のリダイレクト先として使える絶対URLかを検証する。
func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required: %q", raw)
	}
	return nil
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
