package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "KAFKA_BROKERS", "SWEEP_INTERVAL", "DEFAULT_SPREAD", "ENABLED_ASSETS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("expected 5s sweep interval, got %s", cfg.SweepInterval)
	}
	if !cfg.DefaultSpread.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("expected spread 0.0001, got %s", cfg.DefaultSpread)
	}
	if len(cfg.EnabledAssets) != 7 {
		t.Errorf("expected 7 default assets, got %v", cfg.EnabledAssets)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("SWEEP_GRACE", "45")
	t.Setenv("PRICE_CACHE_TTL", "500ms")
	t.Setenv("DEFAULT_PAYOUT_PERCENTAGE", "85.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PRICE_RPS", "not-a-number")

	cfg := Load()

	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.SweepGrace != 45*time.Second {
		t.Errorf("expected 45s grace, got %s", cfg.SweepGrace)
	}
	if cfg.PriceCacheTTL != 500*time.Millisecond {
		t.Errorf("expected 500ms cache TTL, got %s", cfg.PriceCacheTTL)
	}
	if !cfg.DefaultPayoutPercentage.Equal(decimal.RequireFromString("85.5")) {
		t.Errorf("expected payout 85.5, got %s", cfg.DefaultPayoutPercentage)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.LogLevel)
	}
	if cfg.PriceRPS != 5 {
		t.Errorf("invalid PRICE_RPS should fall back to 5, got %v", cfg.PriceRPS)
	}
}

func TestTradeSettings(t *testing.T) {
	t.Setenv("DEFAULT_EXPIRY_SECONDS", "120")
	s := Load().TradeSettings()
	if s.ExpirySeconds != 120 || !s.TradingEnabled || !s.DemoModeEnabled || !s.RealModeEnabled {
		t.Errorf("unexpected settings: %+v", s)
	}
}
