// Package config reads the engine's configuration surface from the
// environment. Loading a .env file is left to the caller (cmd/server uses
// godotenv, the same way the database DSN is handled).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spot-matching-core/internal/models"
)

// Defaults for the enumerated configuration surface.
const (
	DefaultInstrument        = "BTC-USD"
	DefaultIdempotencyTTL    = 86400 * time.Second
	DefaultPriceLevels       = 20
	DefaultRecentTrades      = 50
	DefaultQueueConcurrency  = 1
	DefaultListenAddr        = ":8080"
	defaultMatchEpsilonStr   = "0.00000001"
	defaultNoLiquidityStatus = models.OrderStatusPartiallyFilled
)

// Config holds every tunable of the core plus the wiring the server needs.
type Config struct {
	DSN        string
	Instrument string
	ListenAddr string

	IdempotencyTTL time.Duration

	// MatchEpsilon tolerates fixed-point rounding artifacts in the match
	// loop. 1e-8 for 8-fractional-digit units; 0 for integer minor units.
	MatchEpsilon decimal.Decimal

	// QueueConcurrency is fixed at 1. It is configuration only, not a
	// correctness tunable: the matcher must stay a single consumer.
	QueueConcurrency int

	PriceLevelsDefault  int
	RecentTradesDefault int

	// MarketNoLiquidityStatus is the terminal status for a market taker that
	// finds an empty opposite side: partially_filled (default) or rejected.
	MarketNoLiquidityStatus models.OrderStatus
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DSN:                     os.Getenv("DB_DSN"),
		Instrument:              envOr("INSTRUMENT", DefaultInstrument),
		ListenAddr:              envOr("LISTEN_ADDR", DefaultListenAddr),
		IdempotencyTTL:          DefaultIdempotencyTTL,
		QueueConcurrency:        DefaultQueueConcurrency,
		PriceLevelsDefault:      DefaultPriceLevels,
		RecentTradesDefault:     DefaultRecentTrades,
		MarketNoLiquidityStatus: defaultNoLiquidityStatus,
	}

	var err error
	if cfg.MatchEpsilon, err = decimal.NewFromString(envOr("MATCH_EPSILON", defaultMatchEpsilonStr)); err != nil {
		return nil, fmt.Errorf("invalid MATCH_EPSILON: %w", err)
	}
	if cfg.MatchEpsilon.IsNegative() {
		return nil, fmt.Errorf("MATCH_EPSILON must not be negative")
	}

	if v := os.Getenv("IDEMPOTENCY_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid IDEMPOTENCY_TTL_SECONDS: %q", v)
		}
		cfg.IdempotencyTTL = time.Duration(secs) * time.Second
	}

	if cfg.PriceLevelsDefault, err = envInt("PRICE_LEVELS_DEFAULT", DefaultPriceLevels); err != nil {
		return nil, err
	}
	if cfg.RecentTradesDefault, err = envInt("RECENT_TRADES_DEFAULT", DefaultRecentTrades); err != nil {
		return nil, err
	}
	if cfg.QueueConcurrency, err = envInt("QUEUE_CONCURRENCY", DefaultQueueConcurrency); err != nil {
		return nil, err
	}
	if cfg.QueueConcurrency != 1 {
		return nil, fmt.Errorf("QUEUE_CONCURRENCY must be 1, got %d", cfg.QueueConcurrency)
	}

	switch s := models.OrderStatus(envOr("MARKET_NO_LIQUIDITY_STATUS", string(defaultNoLiquidityStatus))); s {
	case models.OrderStatusPartiallyFilled, models.OrderStatusRejected:
		cfg.MarketNoLiquidityStatus = s
	default:
		return nil, fmt.Errorf("MARKET_NO_LIQUIDITY_STATUS must be partially_filled or rejected, got %q", s)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
