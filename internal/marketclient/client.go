// Package marketclient defines the abstract exchange-protocol capability
// the ingestor depends on (spec.md §6.1), plus a Registry that caches
// instances per (exchange, market) and a reference HTTP-backed
// implementation.
package marketclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Common errors (spec.md §7).
var (
	// ErrRateLimited signals a distinct "rate-limit" error kind (HTTP 429
	// or equivalent). Ingestors treat it specially: bounded 30s-sleep
	// retry rather than the generic 1s backoff.
	ErrRateLimited = errors.New("marketclient: rate limited")

	// ErrSymbolUnknown is returned when a symbol is absent from the
	// venue's market list after normalization.
	ErrSymbolUnknown = errors.New("marketclient: symbol unknown")
)

// MarketInfo describes a single tradeable instrument as returned by
// LoadMarkets.
type MarketInfo struct {
	ID     string
	Type   string
	Active bool
}

// Candle is one OHLCV bar as returned over the wire, [ts, o, h, l, c, v].
type Candle struct {
	Ts     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// FundingRate is a single funding-rate settlement as returned over the
// wire.
type FundingRate struct {
	Timestamp   int64
	FundingRate float64
}

// Client is the abstract exchange-protocol capability the ingestor
// depends on (spec.md §6.1). Implementations must be safe for concurrent
// use by multiple workers sharing the same (exchange, market) instance
// (spec.md §5).
type Client interface {
	// LoadMarkets returns the venue's tradeable instruments, keyed by
	// symbol.
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)

	// FetchOHLCV fetches up to limit candles for symbol at the given
	// timeframe, starting at sinceMs.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]Candle, error)

	// FetchFundingRateHistory fetches the full funding-rate history for
	// symbol since sinceMs (venues return it in one call).
	FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64) ([]FundingRate, error)

	// Milliseconds returns the venue's server clock, ms since epoch.
	Milliseconds(ctx context.Context) (int64, error)

	// ParseTimeframe parses a timeframe string (e.g. "1m", "1h") into its
	// bucket duration.
	ParseTimeframe(tf string) (time.Duration, error)
}

// Registry caches Client instances keyed by (exchange, market), and
// guarantees LoadMarkets is invoked exactly once per cache entry (spec.md
// §4.5.2 step 4), mirroring the teacher's backend.Registry cache-by-key
// pattern.
type Registry struct {
	mu      sync.Mutex
	clients map[string]Client
	factory func(exchange, market string) (Client, error)
}

// NewRegistry creates a Registry that builds new clients with factory on
// first reference to a given (exchange, market) pair.
func NewRegistry(factory func(exchange, market string) (Client, error)) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		factory: factory,
	}
}

// Get returns the cached Client for (exchange, market), constructing and
// loading its markets on first reference.
func (r *Registry) Get(ctx context.Context, exchange, market string) (Client, error) {
	key := cacheKey(exchange, market)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	c, err := r.factory(exchange, market)
	if err != nil {
		return nil, fmt.Errorf("marketclient: failed to create client for %s: %w", key, err)
	}

	if _, err := c.LoadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("marketclient: failed to load markets for %s: %w", key, err)
	}

	r.clients[key] = c
	return c, nil
}

func cacheKey(exchange, market string) string {
	return exchange + ":" + market
}
