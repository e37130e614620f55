package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// scriptedSource returns a fixed price or error and counts calls.
type scriptedSource struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (s *scriptedSource) Quote(_ context.Context, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.price, s.err
}

func TestQuote_LiveThenCached(t *testing.T) {
	src := &scriptedSource{price: d(101.5)}
	o := New(src, NewFallback(1), Config{CacheTTL: time.Minute})

	p, origin := o.Quote(context.Background(), "BTC")
	if origin != OriginLive || !p.Equal(d(101.5)) {
		t.Fatalf("expected live 101.5, got %s %s", origin, p)
	}

	p, origin = o.Quote(context.Background(), "BTC")
	if origin != OriginCache || !p.Equal(d(101.5)) {
		t.Fatalf("expected cached 101.5, got %s %s", origin, p)
	}
	if src.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", src.calls)
	}
}

func TestQuote_CacheExpires(t *testing.T) {
	src := &scriptedSource{price: d(50)}
	o := New(src, NewFallback(1), Config{CacheTTL: time.Second})

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	o.Quote(context.Background(), "ETH")
	now = now.Add(2 * time.Second)
	_, origin := o.Quote(context.Background(), "ETH")

	if origin != OriginLive {
		t.Errorf("expected live after TTL, got %s", origin)
	}
	if src.calls != 2 {
		t.Errorf("expected 2 upstream calls, got %d", src.calls)
	}
}

func TestQuote_FallbackOnError(t *testing.T) {
	src := &scriptedSource{err: errors.New("network down")}
	o := New(src, NewFallback(42), Config{})

	p, origin := o.Quote(context.Background(), "BTC")
	if origin != OriginFallback {
		t.Fatalf("expected fallback, got %s", origin)
	}
	if p.LessThan(d(60000)) || p.GreaterThanOrEqual(d(80000)) {
		t.Errorf("fallback %s outside [60000, 80000)", p)
	}
}

func TestQuote_FallbackNotCached(t *testing.T) {
	src := &scriptedSource{err: errors.New("boom")}
	o := New(src, NewFallback(1), Config{CacheTTL: time.Minute})

	o.Quote(context.Background(), "BTC")
	src.mu.Lock()
	src.err = nil
	src.price = d(99)
	src.mu.Unlock()

	p, origin := o.Quote(context.Background(), "BTC")
	if origin != OriginLive || !p.Equal(d(99)) {
		t.Errorf("expected live 99 after recovery, got %s %s", origin, p)
	}
}

func TestQuote_BreakerOpensAfterFailures(t *testing.T) {
	src := &scriptedSource{err: errors.New("timeout")}
	o := New(src, NewFallback(1), Config{BreakerFailures: 3, BreakerCooldown: time.Hour, RPS: 1000, Burst: 100})

	for i := 0; i < 10; i++ {
		o.Quote(context.Background(), "BTC")
	}
	if src.calls != 3 {
		t.Errorf("expected breaker to stop upstream calls after 3 failures, got %d calls", src.calls)
	}
}

func TestQuote_UnknownSymbolDoesNotTripBreaker(t *testing.T) {
	src := &scriptedSource{err: fmt.Errorf("%w: FOO", ErrUnknownSymbol)}
	o := New(src, NewFallback(1), Config{BreakerFailures: 2, RPS: 1000, Burst: 100})

	for i := 0; i < 5; i++ {
		o.Quote(context.Background(), "FOO")
	}
	if src.calls != 5 {
		t.Errorf("expected every lookup to reach the source, got %d calls", src.calls)
	}
}

func TestFallback_Deterministic(t *testing.T) {
	a := NewFallback(7)
	b := NewFallback(7)
	for i := 0; i < 5; i++ {
		pa, pb := a.Price(), b.Price()
		if !pa.Equal(pb) {
			t.Fatalf("same seed diverged at %d: %s vs %s", i, pa, pb)
		}
	}
}

// topSource makes rand.Float64 return 1-2^-43, the worst case for rounding.
type topSource struct{}

func (topSource) Int63() int64 { return 1<<63 - 1<<20 }
func (topSource) Seed(int64) {}

func TestFallback_StaysBelowUpperBound(t *testing.T) {
	f := NewFallback(1)
	f.rng = rand.New(topSource{})

	p := f.Price()
	upper := f.Min.Add(f.Range)
	if !p.LessThan(upper) {
		t.Fatalf("price %s reached the upper bound %s", p, upper)
	}
	if !p.Equal(decimal.RequireFromString("79999.99")) {
		t.Errorf("expected 79999.99, got %s", p)
	}

	g := NewFallback(42)
	for i := 0; i < 1000; i++ {
		if p := g.Price(); p.LessThan(g.Min) || !p.LessThan(g.Min.Add(g.Range)) {
			t.Fatalf("price %s outside [%s, %s)", p, g.Min, g.Min.Add(g.Range))
		}
	}
}

func TestCoinGecko_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("ids"); got != "bitcoin" {
			t.Errorf("expected ids=bitcoin, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"usd":67123.45}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL+"/", srv.Client())
	p, err := cg.Quote(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(67123.45)) {
		t.Errorf("expected 67123.45, got %s", p)
	}
}

func TestCoinGecko_UnknownSymbol(t *testing.T) {
	cg := NewCoinGecko("http://127.0.0.1:0", nil)
	if _, err := cg.Quote(context.Background(), "NOPE"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestCoinGecko_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL, srv.Client())
	if _, err := cg.Quote(context.Background(), "ETH"); err == nil {
		t.Error("expected error for 429 response")
	}
}

func TestCoinGecko_MissingEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL, srv.Client())
	if _, err := cg.Quote(context.Background(), "ETH"); !errors.Is(err, ErrNoQuote) {
		t.Errorf("expected ErrNoQuote, got %v", err)
	}
}
