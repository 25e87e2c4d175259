package marketclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPClient is a reference Client implementation targeting a
// CCXT-unified-API-compatible REST shape. It is a worked example of the
// Client capability, not a production exchange adapter: real deployments
// are expected to supply one satisfying Client for their venue.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a reference HTTP-backed client against baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// LoadMarkets implements Client.
func (c *HTTPClient) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	var result []struct {
		Symbol string `json:"symbol"`
		Type   string `json:"type"`
		Active bool   `json:"active"`
	}

	if err := c.get(ctx, "/api/v3/exchangeInfo", &result); err != nil {
		return nil, err
	}

	markets := make(map[string]MarketInfo, len(result))
	for _, m := range result {
		markets[m.Symbol] = MarketInfo{ID: m.Symbol, Type: m.Type, Active: m.Active}
	}
	return markets, nil
}

// FetchOHLCV implements Client.
func (c *HTTPClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]Candle, error) {
	var raw [][]json.Number

	path := fmt.Sprintf("/api/v3/klines?symbol=%s&interval=%s&startTime=%d&limit=%d",
		symbol, timeframe, sinceMs, limit)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].Int64()
		open, _ := strconv.ParseFloat(row[1].String(), 64)
		high, _ := strconv.ParseFloat(row[2].String(), 64)
		low, _ := strconv.ParseFloat(row[3].String(), 64)
		close, _ := strconv.ParseFloat(row[4].String(), 64)
		volume, _ := strconv.ParseFloat(row[5].String(), 64)
		candles = append(candles, Candle{Ts: ts, Open: open, High: high, Low: low, Close: close, Volume: volume})
	}

	return candles, nil
}

// FetchFundingRateHistory implements Client.
func (c *HTTPClient) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64) ([]FundingRate, error) {
	var result []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}

	path := fmt.Sprintf("/fapi/v1/fundingRate?symbol=%s&startTime=%d", symbol, sinceMs)
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}

	rates := make([]FundingRate, 0, len(result))
	for _, r := range result {
		rate, _ := strconv.ParseFloat(r.FundingRate, 64)
		rates = append(rates, FundingRate{Timestamp: r.FundingTime, FundingRate: rate})
	}
	return rates, nil
}

// Milliseconds implements Client.
func (c *HTTPClient) Milliseconds(ctx context.Context) (int64, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, "/api/v3/time", &result); err != nil {
		return 0, err
	}
	return result.ServerTime, nil
}

// ParseTimeframe implements Client.
func (c *HTTPClient) ParseTimeframe(tf string) (time.Duration, error) {
	if tf == "" {
		return 0, fmt.Errorf("marketclient: empty timeframe")
	}

	unit := tf[len(tf)-1]
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil {
		return 0, fmt.Errorf("marketclient: invalid timeframe %q: %w", tf, err)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("marketclient: unknown timeframe unit in %q", tf)
	}
}

// get performs a GET request and decodes the JSON response, classifying
// HTTP status codes into the package's sentinel errors (mirrors the
// teacher's MempoolBackend.get()).
func (c *HTTPClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrSymbolUnknown
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("marketclient: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

var _ Client = (*HTTPClient)(nil)
