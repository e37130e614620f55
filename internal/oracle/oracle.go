// Package oracle provides spot prices for tradable symbols.
//
// The oracle never fails its caller: when the upstream feed is unreachable,
// throttled, tripped, or does not know the symbol, it degrades to a
// seeded pseudo-random fallback so settlement always has a quote. Every
// fallback is logged and counted.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradepro/options-engine/internal/metrics"
)

var (
	// ErrUnknownSymbol is returned by a Source that has no feed for a symbol.
	ErrUnknownSymbol = errors.New("oracle: unknown symbol")

	// ErrNoQuote is returned when the feed answered without a usable price.
	ErrNoQuote = errors.New("oracle: no quote in response")
)

// Source fetches a live quote from an upstream feed.
type Source interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Origin labels where a returned price came from.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginCache    Origin = "cache"
	OriginFallback Origin = "fallback"
)

// Config tunes the oracle. Zero values select defaults.
type Config struct {
	CacheTTL        time.Duration // reuse window for a symbol's last live quote
	Timeout         time.Duration // per-lookup upstream budget
	RPS             float64       // upstream calls per second
	Burst           int
	BreakerFailures uint32        // consecutive failures before the breaker opens
	BreakerCooldown time.Duration // open → half-open delay
}

func (c *Config) defaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Oracle caches, rate-limits and circuit-breaks a Source.
type Oracle struct {
	src      Source
	fallback *Fallback
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	cacheTTL time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]quote
}

// New creates an oracle over src. fallback must not be nil.
func New(src Source, fallback *Fallback, cfg Config) *Oracle {
	cfg.defaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// An unknown symbol says nothing about feed health.
			return err == nil || errors.Is(err, ErrUnknownSymbol)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("price feed breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Oracle{
		src:      src,
		fallback: fallback,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker:  breaker,
		cacheTTL: cfg.CacheTTL,
		timeout:  cfg.Timeout,
		now:      time.Now,
		cache:    make(map[string]quote),
	}
}

// CurrentPrice returns a price for symbol. It never fails.
func (o *Oracle) CurrentPrice(ctx context.Context, symbol string) decimal.Decimal {
	price, _ := o.Quote(ctx, symbol)
	return price
}

// Quote returns a price and where it came from.
func (o *Oracle) Quote(ctx context.Context, symbol string) (decimal.Decimal, Origin) {
	if p, ok := o.cached(symbol); ok {
		metrics.OracleQuotes.WithLabelValues(string(OriginCache)).Inc()
		return p, OriginCache
	}

	price, err := o.fetch(ctx, symbol)
	if err != nil {
		fb := o.fallback.Price()
		slog.Warn("price lookup failed, using fallback",
			"symbol", symbol,
			"fallback", fb.String(),
			"err", err,
		)
		metrics.OracleQuotes.WithLabelValues(string(OriginFallback)).Inc()
		return fb, OriginFallback
	}

	o.mu.Lock()
	o.cache[symbol] = quote{price: price, at: o.now()}
	o.mu.Unlock()

	metrics.OracleQuotes.WithLabelValues(string(OriginLive)).Inc()
	return price, OriginLive
}

func (o *Oracle) cached(symbol string) (decimal.Decimal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.cache[symbol]
	if !ok || o.now().Sub(q.at) > o.cacheTTL {
		return decimal.Zero, false
	}
	return q.price, true
}

func (o *Oracle) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	res, err := o.breaker.Execute(func() (interface{}, error) {
		return o.src.Quote(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	price := res.(decimal.Decimal)
	if !price.IsPositive() {
		return decimal.Zero, ErrNoQuote
	}
	return price, nil
}

// Fallback generates substitute prices in [Min, Min+Range). It is seeded so
// tests can predict its output.
type Fallback struct {
	Min   decimal.Decimal
	Range decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFallback returns a generator over the default range 60000–80000.
func NewFallback(seed int64) *Fallback {
	return &Fallback{
		Min:   decimal.NewFromInt(60000),
		Range: decimal.NewFromInt(20000),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Price returns the next fallback price in [Min, Min+Range), truncated to
// cents so a draw just below 1 cannot reach the upper bound.
func (f *Fallback) Price() decimal.Decimal {
	f.mu.Lock()
	r := f.rng.Float64()
	f.mu.Unlock()
	return f.Min.Add(f.Range.Mul(decimal.NewFromFloat(r))).Truncate(2)
}
