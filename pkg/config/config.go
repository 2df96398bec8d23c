package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the ledger core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Sweep authorization: shared secret for the cron trigger. When unset,
	// only admin sessions may invoke the sweep endpoint.
	CronSecret string

	// Payment webhook
	WebhookSecret string

	// Price oracle
	OracleBaseURL string
	OracleTimeout time.Duration

	// Payout table override (YAML); empty means built-in defaults.
	PayoutTablePath string

	// Per-actor fixed-window limits on create endpoints.
	TradeRateLimit    int
	WithdrawRateLimit int
	RateLimitWindow   time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/ledger.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            dbPath,
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		CronSecret:        os.Getenv("CRON_SECRET"),
		WebhookSecret:     os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		OracleBaseURL:     getEnv("ORACLE_BASE_URL", "https://api.coingecko.com/api/v3"),
		OracleTimeout:     time.Duration(getEnvInt("ORACLE_TIMEOUT_SECONDS", 5)) * time.Second,
		PayoutTablePath:   os.Getenv("PAYOUT_TABLE_PATH"),
		TradeRateLimit:    getEnvInt("TRADE_RATE_LIMIT", 30),
		WithdrawRateLimit: getEnvInt("WITHDRAW_RATE_LIMIT", 10),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
