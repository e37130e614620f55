package asset

import (
	"errors"
	"testing"

	"github.com/tradepro/options-engine/internal/model"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"btc":   "BTC",
		" eth ": "ETH",
		"DOGE":  "DOGE",
		"1inch": "1INCH",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC/USD",
		"BTC-PERP",
		"VERYLONGSYMBOL",
	}
	for _, in := range tests {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Normalize(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestAllowlist_Check(t *testing.T) {
	l := NewAllowlist([]model.Asset{
		{Symbol: "BTC", Enabled: true, MarketOpen: true},
		{Symbol: "ETH", Enabled: false, MarketOpen: true},
		{Symbol: "SOL", Enabled: true, MarketOpen: false},
	})

	if s, err := l.Check("btc"); err != nil || s != "BTC" {
		t.Errorf("expected BTC allowed, got %q %v", s, err)
	}
	for _, sym := range []string{"ETH", "SOL", "XRP"} {
		if _, err := l.Check(sym); !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected %s unavailable, got %v", sym, err)
		}
	}
}

func TestDefaults_AllHaveFeedIDs(t *testing.T) {
	assets := Defaults(DefaultSymbols)
	if len(assets) != len(DefaultSymbols) {
		t.Fatalf("expected %d assets, got %d", len(DefaultSymbols), len(assets))
	}
	for _, a := range assets {
		if !a.Tradable() {
			t.Errorf("%s should be tradable by default", a.Symbol)
		}
		if _, ok := FeedID(a.Symbol); !ok {
			t.Errorf("%s has no feed id", a.Symbol)
		}
	}
}
