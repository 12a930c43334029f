package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	GeoIPDBPath string

	// Gateway backends. Credentials are resolved here once and injected into
	// the dispatchers at construction; nothing reads the environment at call
	// time.
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GeminiAPIKey      string
	GeminiBaseURL     string

	// Billing.
	TokenReservePerJob int64
	PaymentSecret      string

	// Processor.
	JobTimeout       time.Duration
	DispatchTimeout  time.Duration
	MaxRetries       int
	WorkerPollEvery  time.Duration
	SweepEvery       time.Duration
	SettleMaxRetries int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		TokenReservePerJob: int64(getEnvInt("TOKEN_RESERVE_PER_JOB", 1500)),
		PaymentSecret:      os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		JobTimeout:       time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 120)),
		DispatchTimeout:  time.Second * time.Duration(getEnvInt("DISPATCH_TIMEOUT_SECONDS", 60)),
		MaxRetries:       getEnvInt("JOB_MAX_RETRIES", 3),
		WorkerPollEvery:  time.Second * time.Duration(getEnvInt("WORKER_POLL_SECONDS", 2)),
		SweepEvery:       time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)),
		SettleMaxRetries: getEnvInt("SETTLE_MAX_RETRIES", 5),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
