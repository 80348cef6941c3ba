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

	// Session
	SessionMaxAge int // 秒

	// Verification tokens
	EmailVerificationTTL time.Duration
	PasswordResetTTL     time.Duration

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromEmail    string

	// Codeforces
	CodeforcesCheckEnabled bool
	CodeforcesTimeout      time.Duration

	// R2 (S3互換オブジェクトストレージ)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicBaseURL   string

	// Cleanup
	CleanupInterval  time.Duration
	CleanupRetention time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort      string
	FrontendBaseURL string
	AppVersion      string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	AllowedOrigins []string

	// TrustProxyHeaders が true の場合のみ X-Forwarded-For / X-Real-IP をクライアントIPとして扱う。
	// ヘッダーを上書きするリバースプロキシの背後でのみ有効にすること。
	TrustProxyHeaders bool

	// BootstrapAdminEmail はbootstrap時にadminロールを付与するユーザーのメールアドレス。
	BootstrapAdminEmail string
}

// SMTPConfigured はSMTP送信に必要な認証情報が揃っているかを返す。
func (c *Config) SMTPConfigured() bool {
	return c.SMTPUser != "" && c.SMTPPassword != ""
}

// R2Configured はアバター保存先のR2設定が揃っているかを返す。
func (c *Config) R2Configured() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
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

	cfg.FrontendBaseURL = strings.TrimRight(os.Getenv("FRONTEND_BASE_URL"), "/")
	if cfg.FrontendBaseURL == "" {
		missing = append(missing, "FRONTEND_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.EmailVerificationTTL = getEnvDuration("EMAIL_VERIFICATION_TTL", 24*time.Hour)
	cfg.PasswordResetTTL = getEnvDuration("PASSWORD_RESET_TTL", 30*time.Minute)
	cfg.SMTPHost = getEnvString("SMTP_HOST", "smtp.gmail.com")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASS")
	cfg.FromEmail = getEnvString("FROM_EMAIL", getEnvString("SMTP_USER", "no-reply@example.com"))
	cfg.CodeforcesCheckEnabled = getEnvBool("CODEFORCES_CHECK_ENABLED", true)
	cfg.CodeforcesTimeout = getEnvDuration("CODEFORCES_TIMEOUT", 5*time.Second)
	cfg.R2AccountID = os.Getenv("R2_ACCOUNT_ID")
	cfg.R2AccessKeyID = os.Getenv("R2_ACCESS_KEY_ID")
	cfg.R2SecretAccessKey = os.Getenv("R2_SECRET_ACCESS_KEY")
	cfg.R2BucketName = os.Getenv("R2_BUCKET_NAME")
	cfg.R2PublicBaseURL = strings.TrimRight(os.Getenv("R2_PUBLIC_BASE_URL"), "/")
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.CleanupRetention = getEnvDuration("CLEANUP_RETENTION", 7*24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppVersion = getEnvString("APP_VERSION", "0.1.0")
	cfg.CookieSecure = strings.HasPrefix(cfg.FrontendBaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", defaultAllowedOrigins(cfg.FrontendBaseURL))
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.BootstrapAdminEmail = strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は期間・秒数の設定が正の値であることを確認する。
func (c *Config) validate() error {
	var invalid []string
	if c.SessionMaxAge <= 0 {
		invalid = append(invalid, "SESSION_MAX_AGE")
	}
	durations := []struct {
		key string
		val time.Duration
	}{
		{"EMAIL_VERIFICATION_TTL", c.EmailVerificationTTL},
		{"PASSWORD_RESET_TTL", c.PasswordResetTTL},
		{"CODEFORCES_TIMEOUT", c.CodeforcesTimeout},
		{"CLEANUP_INTERVAL", c.CleanupInterval},
		{"CLEANUP_RETENTION", c.CleanupRetention},
	}
	for _, d := range durations {
		if d.val <= 0 {
			invalid = append(invalid, d.key)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}
	return nil
}

// defaultAllowedOrigins はローカル開発用のオリジンにフロントエンドのオリジンを加える。
func defaultAllowedOrigins(frontendBaseURL string) []string {
	origins := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	u, err := url.Parse(frontendBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return origins
	}
	origin := u.Scheme + "://" + u.Host
	for _, o := range origins {
		if o == origin {
			return origins
		}
	}
	return append(origins, origin)
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

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は無視する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
