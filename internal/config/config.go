package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Studio
	Location           *time.Location
	StudioOpenHour     int
	StudioCloseHour    int
	BookingHorizonDays int
	BookingFeeCents    int64
	BookingFeeCurrency string
	BookingFeeLabel    string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Notification
	SendGridAPIKey     string
	FromEmail          string
	OperatorEmails     []string
	OperatorWebhookURL string
	NotifyWorkers      int
	NotifyMaxAttempts  int

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Rate Limit
	RateLimitGeneral int
	RateLimitBooking int

	// Invite
	InviteTTL time.Duration

	// Retention
	WebhookEventRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.GoogleClientID = required("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = required("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = required("GOOGLE_REDIRECT_URL")
	cfg.SessionSecret = required("SESSION_SECRET")
	cfg.BaseURL = required("BASE_URL")
	cfg.StripeSecretKey = required("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = required("STRIPE_WEBHOOK_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	tz := getEnvString("TIMEZONE", "America/New_York")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.StudioOpenHour = getEnvInt("STUDIO_OPEN_HOUR", 8)
	cfg.StudioCloseHour = getEnvInt("STUDIO_CLOSE_HOUR", 24)
	if cfg.StudioOpenHour < 0 || cfg.StudioCloseHour > 24 || cfg.StudioOpenHour >= cfg.StudioCloseHour {
		return nil, fmt.Errorf("invalid studio hours: open=%d close=%d", cfg.StudioOpenHour, cfg.StudioCloseHour)
	}
	cfg.BookingHorizonDays = getEnvInt("BOOKING_HORIZON_DAYS", 60)
	cfg.BookingFeeCents = getEnvInt64("BOOKING_FEE_CENTS", 100)
	cfg.BookingFeeCurrency = getEnvString("BOOKING_FEE_CURRENCY", "usd")
	cfg.BookingFeeLabel = getEnvString("BOOKING_FEE_LABEL", "Studio Booking Fee")
	cfg.SendGridAPIKey = getEnvString("SENDGRID_API_KEY", "")
	cfg.FromEmail = getEnvString("FROM_EMAIL", "noreply@studiobook.local")
	cfg.OperatorEmails = getEnvList("OPERATOR_EMAILS")
	cfg.OperatorWebhookURL = getEnvString("OPERATOR_WEBHOOK_URL", "")
	cfg.NotifyWorkers = getEnvInt("NOTIFY_WORKERS", 4)
	cfg.NotifyMaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 5)
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.AMQPExchange = getEnvString("AMQP_EXCHANGE", "studiobook.notifications")
	cfg.AMQPQueue = getEnvString("AMQP_QUEUE", "studiobook.notifications.mail")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBooking = getEnvInt("RATE_LIMIT_BOOKING", 20)
	cfg.InviteTTL = getEnvDuration("INVITE_TTL", 7*24*time.Hour)
	cfg.WebhookEventRetentionDays = getEnvInt("WEBHOOK_EVENT_RETENTION_DAYS", 90)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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

// getEnvList はカンマ区切りの環境変数をトリムしたスライスで返す。空要素は除外する。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
