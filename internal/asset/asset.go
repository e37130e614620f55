// Package asset handles tradable symbol normalisation, the enabled-asset
// allowlist, and the mapping from symbols to price-feed identifiers.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tradepro/options-engine/internal/model"
)

// Default symbols offered when no assets are configured.
var DefaultSymbols = []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE"}

// feedIDs maps a symbol to its CoinGecko coin id.
var feedIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"BNB":  "binancecoin",
	"SOL":  "solana",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
}

var names = map[string]string{
	"BTC":  "Bitcoin",
	"ETH":  "Ethereum",
	"BNB":  "BNB",
	"SOL":  "Solana",
	"XRP":  "XRP",
	"ADA":  "Cardano",
	"DOGE": "Dogecoin",
}

// symbolRegex matches an uppercase ticker such as BTC or DOGE.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidSymbol = errors.New("asset: invalid symbol")
	ErrUnavailable   = errors.New("asset: not available or disabled")
)

// Normalize trims and uppercases a symbol and validates its shape.
func Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// FeedID returns the price-feed id for a symbol.
func FeedID(symbol string) (string, bool) {
	id, ok := feedIDs[symbol]
	return id, ok
}

// Defaults builds the default asset rows for the given symbols.
func Defaults(symbols []string) []model.Asset {
	assets := make([]model.Asset, 0, len(symbols))
	for _, raw := range symbols {
		s, err := Normalize(raw)
		if err != nil {
			continue
		}
		name := names[s]
		if name == "" {
			name = s
		}
		assets = append(assets, model.Asset{Symbol: s, Name: name, Enabled: true, MarketOpen: true})
	}
	return assets
}

// Allowlist is the set of symbols positions may currently be opened on.
type Allowlist map[string]struct{}

// NewAllowlist builds the set from configured assets, keeping only
// enabled assets whose market is open.
func NewAllowlist(assets []model.Asset) Allowlist {
	set := make(Allowlist, len(assets))
	for i := range assets {
		if assets[i].Tradable() {
			set[assets[i].Symbol] = struct{}{}
		}
	}
	return set
}

// Check normalises symbol and verifies it is tradable.
func (l Allowlist) Check(symbol string) (string, error) {
	s, err := Normalize(symbol)
	if err != nil {
		return "", err
	}
	if _, ok := l[s]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, s)
	}
	return s, nil
}
