package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/asset"
)

// CoinGecko is a Source backed by the CoinGecko simple price endpoint.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a CoinGecko source. baseURL is the API root, e.g.
// https://api.coingecko.com/api/v3.
func NewCoinGecko(baseURL string, client *http.Client) *CoinGecko {
	if client == nil {
		client = http.DefaultClient
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type usdQuote struct {
	USD decimal.Decimal `json:"usd"`
}

// Quote fetches the USD price for symbol.
func (c *CoinGecko) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id, ok := asset.FeedID(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coingecko %s: status %d", symbol, resp.StatusCode)
	}

	var body map[string]usdQuote
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko %s: decode: %w", symbol, err)
	}

	q, ok := body[id]
	if !ok || !q.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q.USD, nil
}
