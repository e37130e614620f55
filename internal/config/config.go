// Package config loads the options engine's environment-driven settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

// Config holds the process settings. Trade settings here only seed an empty
// store; afterwards the admin API owns them.
type Config struct {
	Port     string
	LogLevel slog.Level

	// Storage
	DatabaseURL   string
	RedisURL      string
	RedisCacheTTL time.Duration

	// Events
	KafkaBrokers []string
	KafkaTopic   string

	// Price oracle
	PriceAPIURL   string
	PriceCacheTTL time.Duration
	PriceTimeout  time.Duration
	PriceRPS      float64
	FallbackSeed  int64

	// Expiry
	SweepInterval   time.Duration
	SweepGrace      time.Duration
	SettleWorkers   int
	ShutdownTimeout time.Duration

	CommissionRate decimal.Decimal
	AdminToken     string

	// Seed values
	DefaultPayoutPercentage decimal.Decimal
	DefaultExpirySeconds    int
	DefaultSpread           decimal.Decimal
	EnabledAssets           []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() *Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisCacheTTL: getEnvDuration("REDIS_CACHE_TTL", 30*time.Second),

		KafkaBrokers: splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "positions.events"),

		PriceAPIURL:   getEnv("PRICE_API_URL", "https://api.coingecko.com/api/v3"),
		PriceCacheTTL: getEnvDuration("PRICE_CACHE_TTL", 2*time.Second),
		PriceTimeout:  getEnvDuration("PRICE_TIMEOUT", 3*time.Second),
		PriceRPS:      getEnvFloat("PRICE_RPS", 5),
		FallbackSeed:  int64(getEnvInt("FALLBACK_SEED", int(time.Now().UnixNano()))),

		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		SweepGrace:      getEnvDuration("SWEEP_GRACE", 30*time.Second),
		SettleWorkers:   getEnvInt("SETTLE_WORKERS", 4),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		CommissionRate: getEnvDecimal("COMMISSION_RATE", decimal.NewFromFloat(0.1)),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),

		DefaultPayoutPercentage: getEnvDecimal("DEFAULT_PAYOUT_PERCENTAGE", decimal.NewFromInt(80)),
		DefaultExpirySeconds:    getEnvInt("DEFAULT_EXPIRY_SECONDS", 60),
		DefaultSpread:           getEnvDecimal("DEFAULT_SPREAD", decimal.RequireFromString("0.0001")),
		EnabledAssets:           splitAndTrim(getEnv("ENABLED_ASSETS", "BTC,ETH,BNB,SOL,XRP,ADA,DOGE")),
	}
}

// TradeSettings returns the settings an empty store is seeded with.
func (c *Config) TradeSettings() model.TradeSettings {
	return model.TradeSettings{
		PayoutPercentage: c.DefaultPayoutPercentage,
		ExpirySeconds:    c.DefaultExpirySeconds,
		Spread:           c.DefaultSpread,
		TradingEnabled:   true,
		DemoModeEnabled:  true,
		RealModeEnabled:  true,
		UpdatedAt:        time.Now().UTC(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
