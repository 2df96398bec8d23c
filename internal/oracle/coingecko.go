package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// symbolIDs maps ticker symbols to CoinGecko coin ids.
var symbolIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDT": "tether",
	"USDC": "usd-coin",
}

// CoinGeckoClient fetches USD prices from the CoinGecko REST API.
type CoinGeckoClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewCoinGeckoClient builds a client with a bounded request timeout so a slow
// upstream cannot stall a ledger operation.
func NewCoinGeckoClient(baseURL string, timeout time.Duration) *CoinGeckoClient {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGeckoClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func coinID(symbol string) string {
	if id, ok := symbolIDs[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

// GetSpot returns the current USD price for symbol.
func (c *CoinGeckoClient) GetSpot(ctx context.Context, symbol string) (Quote, error) {
	id := coinID(symbol)
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.BaseURL, url.QueryEscape(id))

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return Quote{}, err
	}

	entry, ok := payload[id]
	if !ok || entry.USD == 0 {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return Quote{Symbol: strings.ToUpper(symbol), USD: entry.USD, At: time.Now().UTC()}, nil
}

// GetHistorical returns the USD price closest to the requested time, using a
// two-minute window around it.
func (c *CoinGeckoClient) GetHistorical(ctx context.Context, symbol string, at time.Time) (Quote, error) {
	id := coinID(symbol)
	tsMs := at.UnixMilli()
	from := (tsMs - 60_000) / 1000
	to := (tsMs + 60_000) / 1000
	u := fmt.Sprintf("%s/coins/%s/market_chart/range?vs_currency=usd&from=%d&to=%d",
		c.BaseURL, url.PathEscape(id), from, to)

	var payload struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return Quote{}, err
	}
	if len(payload.Prices) == 0 {
		return Quote{}, fmt.Errorf("%s at %s: no price data: %w", symbol, at.Format(time.RFC3339), ErrUnavailable)
	}

	closest := payload.Prices[0]
	minDiff := math.Abs(closest[0] - float64(tsMs))
	for _, p := range payload.Prices[1:] {
		if diff := math.Abs(p[0] - float64(tsMs)); diff < minDiff {
			closest = p
			minDiff = diff
		}
	}
	return Quote{
		Symbol: strings.ToUpper(symbol),
		USD:    closest[1],
		At:     time.UnixMilli(int64(closest[0])).UTC(),
	}, nil
}

func (c *CoinGeckoClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return ErrUnknownSymbol
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}
