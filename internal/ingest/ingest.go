// Package ingest implements the per-symbol download loop: smart-since
// resolution, probe-based discovery, paginated fetch with gap-jump and
// continuity logging, rate-limit retry, and incremental flush to the
// partitioned columnar store (spec.md §4.4).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladtarrow/dl-datalake/internal/manifest"
	"github.com/vladtarrow/dl-datalake/internal/marketclient"
	"github.com/vladtarrow/dl-datalake/internal/partition"
	"github.com/vladtarrow/dl-datalake/pkg/helpers"
	"github.com/vladtarrow/dl-datalake/pkg/logging"
)

// Loop constants, pinned to spec.md §4.4.2 / §4.4.1.
const (
	maxCandlesPerRequest = 1000
	maxConsecutiveEmpty  = 10
	flushThreshold       = 5000
	maxFailedRequests    = 5
	rateLimitSleep       = 30 * time.Second
	genericSleep         = 1 * time.Second
	refreshNowEvery      = 10000
	maxProbeAttempts     = 3
	fiveYearsMs          = int64(5) * 365 * 24 * 60 * 60 * 1000
)

// Ingestor produces a complete, gap-minimized candle series for a single
// (exchange, market, symbol, timeframe), resuming efficiently on re-run.
type Ingestor struct {
	client   marketclient.Client
	manifest *manifest.Manifest
	dataRoot string
	logger   *logging.Logger

	// sleep is overridable in tests to avoid real waits on the rate-limit
	// and generic-error backoff paths.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Ingestor bound to client, writing under dataRoot and
// registering writes in m.
func New(client marketclient.Client, m *manifest.Manifest, dataRoot string) *Ingestor {
	return &Ingestor{
		client:   client,
		manifest: m,
		dataRoot: dataRoot,
		logger:   logging.GetDefault().Component("ingest"),
		sleep:    sleepCtx,
	}
}

// OHLCVConfig parameterizes a single OHLCV download run.
type OHLCVConfig struct {
	Exchange    string
	Market      string
	Symbol      string
	Timeframe   string
	StartDate   string // ISO-8601, optional caller override
	FullHistory bool
	OnProgress  func(totalSaved int)
}

// FundingConfig parameterizes a single funding-rate download run.
type FundingConfig struct {
	Exchange string
	Market   string
	Symbol   string
}

// DownloadOHLCV runs the main fetch loop for cfg and returns the total
// number of candles saved (spec.md §4.4.2).
func (ing *Ingestor) DownloadOHLCV(ctx context.Context, cfg OHLCVConfig) (int, error) {
	log := ing.logger.With("exchange", cfg.Exchange, "symbol", cfg.Symbol, "market", cfg.Market, "timeframe", cfg.Timeframe)

	timeframeDur, err := ing.client.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	timeframeMs := timeframeDur.Milliseconds()
	if timeframeMs <= 0 {
		return 0, fmt.Errorf("ingest: non-positive timeframe duration for %q", cfg.Timeframe)
	}

	since, err := ing.resolveSince(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("ingest: smart-since resolution failed: %w", err)
	}

	now, err := ing.client.Milliseconds(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: failed to read server clock: %w", err)
	}

	var (
		buffer            []partition.Candle
		consecutiveEmpty  int
		failedRequests    int
		totalSaved        int
		cumulativeFetched int
		prevLastTs        int64
		hasPrev           bool
	)

	for since < now {
		candles, err := ing.client.FetchOHLCV(ctx, cfg.Symbol, cfg.Timeframe, since, maxCandlesPerRequest)
		if err != nil {
			failedRequests++

			if errors.Is(err, marketclient.ErrRateLimited) {
				log.Warn("rate limited, backing off", "failed_requests", failedRequests)
				if failedRequests >= maxFailedRequests {
					log.Error("aborting after repeated rate-limit errors", "failed_requests", failedRequests)
					break
				}
				if serr := ing.sleep(ctx, rateLimitSleep); serr != nil {
					return ing.flushResidual(cfg, buffer, totalSaved, serr)
				}
				continue
			}

			log.Error("fetch failed", "error", err, "failed_requests", failedRequests)
			if failedRequests >= maxFailedRequests {
				log.Error("aborting after repeated errors", "failed_requests", failedRequests)
				break
			}
			if serr := ing.sleep(ctx, genericSleep); serr != nil {
				return ing.flushResidual(cfg, buffer, totalSaved, serr)
			}
			continue
		}

		if len(candles) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty > maxConsecutiveEmpty {
				log.Info("stopping after consecutive empty responses", "consecutive_empty", consecutiveEmpty)
				break
			}
			// Gap-jump: intentional and expected to trip the continuity
			// check on the next non-empty chunk (spec.md §4.4.2).
			since += int64(maxCandlesPerRequest) * timeframeMs
			continue
		}

		if hasPrev {
			expected := prevLastTs + timeframeMs
			actual := candles[0].Ts
			if actual > expected {
				log.Warn("gap detected", "expected_ts", expected, "actual_ts", actual, "gap_ms", actual-expected)
			} else if actual < expected {
				log.Warn("overlap detected", "expected_ts", expected, "actual_ts", actual, "overlap_ms", expected-actual)
			}
		}

		for _, c := range candles {
			buffer = append(buffer, partition.Candle{Ts: c.Ts, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume})
		}
		cumulativeFetched += len(candles)
		consecutiveEmpty = 0
		failedRequests = 0

		lastTs := candles[len(candles)-1].Ts
		prevLastTs = lastTs
		hasPrev = true

		if lastTs <= since {
			// Venue returned the same candle again; force progress.
			since = lastTs + timeframeMs
		} else {
			since = lastTs + 1
		}

		if cumulativeFetched >= refreshNowEvery {
			if freshNow, err := ing.client.Milliseconds(ctx); err == nil {
				now = freshNow
			}
			cumulativeFetched = 0
		}

		if len(buffer) >= flushThreshold {
			saved, err := ing.flushOHLC(cfg, buffer)
			totalSaved += saved
			buffer = nil
			if err != nil {
				return totalSaved, err
			}
			if cfg.OnProgress != nil {
				cfg.OnProgress(totalSaved)
			}
		}
	}

	return ing.flushResidual(cfg, buffer, totalSaved, nil)
}

// flushResidual flushes any buffered candles at loop exit, folding in a
// caller error if one triggered the exit.
func (ing *Ingestor) flushResidual(cfg OHLCVConfig, buffer []partition.Candle, totalSaved int, exitErr error) (int, error) {
	if len(buffer) > 0 {
		saved, err := ing.flushOHLC(cfg, buffer)
		totalSaved += saved
		if err != nil {
			return totalSaved, err
		}
		if cfg.OnProgress != nil {
			cfg.OnProgress(totalSaved)
		}
	}
	return totalSaved, exitErr
}

// flushOHLC converts buffer into monthly partitions and registers each
// resulting file in the manifest with type "raw" (spec.md §4.4.3).
func (ing *Ingestor) flushOHLC(cfg OHLCVConfig, buffer []partition.Candle) (int, error) {
	results, werr := partition.WriteOHLC(ing.dataRoot, cfg.Exchange, cfg.Market, cfg.Symbol, cfg.Timeframe, buffer)

	saved := 0
	for _, r := range results {
		metadata := fmt.Sprintf(`{"timeframe":%q}`, cfg.Timeframe)
		if _, err := ing.manifest.AddEntry(manifest.Entry{
			Exchange: cfg.Exchange, Market: cfg.Market, Symbol: cfg.Symbol, Type: "raw",
			Path: r.Path, TimeFrom: r.TMin, TimeTo: r.TMax, MetadataJSON: metadata,
		}); err != nil {
			return saved, fmt.Errorf("ingest: manifest registration failed for %s: %w", r.Path, err)
		}
		for _, c := range buffer {
			if c.Ts >= r.TMin && c.Ts <= r.TMax {
				saved++
			}
		}
	}

	if werr != nil {
		var integrityErr *partition.ErrWriteIntegrity
		if errors.As(werr, &integrityErr) {
			return saved, werr
		}
		return saved, fmt.Errorf("ingest: flush failed: %w", werr)
	}

	return saved, nil
}

// resolveSince resolves the next ingest start timestamp, ms since epoch,
// in priority order: resume from manifest, caller override, probe
// (spec.md §4.4.1).
func (ing *Ingestor) resolveSince(ctx context.Context, cfg OHLCVConfig) (int64, error) {
	entries, err := ing.manifest.ListEntries(manifest.Filter{Exchange: cfg.Exchange, Symbol: cfg.Symbol, DataType: "raw"})
	if err != nil {
		return 0, err
	}
	maxTo := int64(-1)
	for _, e := range entries {
		if e.TimeTo > maxTo {
			maxTo = e.TimeTo
		}
	}
	if maxTo >= 0 {
		return maxTo + 1, nil
	}

	if cfg.StartDate != "" {
		if ms, ok := parseISO8601(cfg.StartDate); ok {
			return ms, nil
		}
		ing.logger.Warn("unparseable start_date, treating as since=0", "start_date", cfg.StartDate)
		return 0, nil
	}

	return ing.probe(ctx, cfg.Symbol, cfg.Timeframe)
}

// probe discovers the earliest available candle for symbol (spec.md
// §4.4.1 step 3). Rate-limit retries are bounded at 3 attempts across the
// whole probe sequence.
func (ing *Ingestor) probe(ctx context.Context, symbol, timeframe string) (int64, error) {
	attempts := 0
	tryFetch := func(since int64) ([]marketclient.Candle, error) {
		for {
			attempts++
			candles, err := ing.client.FetchOHLCV(ctx, symbol, timeframe, since, 1)
			if err == nil {
				return candles, nil
			}
			if errors.Is(err, marketclient.ErrRateLimited) && attempts < maxProbeAttempts {
				ing.logger.Warn("rate limited during probe, retrying", "attempt", attempts)
				if serr := ing.sleep(ctx, rateLimitSleep); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}
	}

	candles, err := tryFetch(0)
	if err != nil {
		return 0, fmt.Errorf("probe failed: %w", err)
	}
	if len(candles) > 0 {
		return candles[0].Ts, nil
	}

	now, err := ing.client.Milliseconds(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe failed to read server clock: %w", err)
	}

	candles, err = tryFetch(now - fiveYearsMs)
	if err != nil {
		return 0, fmt.Errorf("probe failed: %w", err)
	}
	if len(candles) > 0 {
		return candles[0].Ts, nil
	}

	return 0, fmt.Errorf("no data available")
}

// DownloadFundingRate runs the funding-rate variant for cfg (spec.md
// §4.4.4). Only applicable to derivative-flavored markets; a no-op
// otherwise.
func (ing *Ingestor) DownloadFundingRate(ctx context.Context, cfg FundingConfig) (int, error) {
	if !helpers.IsDerivativeMarket(cfg.Market) {
		return 0, nil
	}

	since, err := ing.resolveFundingSince(cfg)
	if err != nil {
		return 0, fmt.Errorf("ingest: funding smart-since resolution failed: %w", err)
	}

	rates, err := ing.client.FetchFundingRateHistory(ctx, cfg.Symbol, since)
	if err != nil {
		return 0, fmt.Errorf("ingest: funding fetch failed: %w", err)
	}
	if len(rates) == 0 {
		return 0, nil
	}

	rows := make([]partition.FundingRow, len(rates))
	for i, r := range rates {
		rows[i] = partition.FundingRow{Ts: r.Timestamp, FundingRate: r.FundingRate}
	}

	results, werr := partition.WriteFunding(ing.dataRoot, cfg.Exchange, cfg.Market, cfg.Symbol, rows)

	saved := 0
	for _, r := range results {
		if _, err := ing.manifest.AddEntry(manifest.Entry{
			Exchange: cfg.Exchange, Market: cfg.Market, Symbol: cfg.Symbol, Type: "alt",
			Path: r.Path, TimeFrom: r.TMin, TimeTo: r.TMax, MetadataJSON: `{"category":"funding"}`,
		}); err != nil {
			return saved, fmt.Errorf("ingest: funding manifest registration failed for %s: %w", r.Path, err)
		}
		saved += r.NumRow
	}

	if werr != nil {
		return saved, fmt.Errorf("ingest: funding flush failed: %w", werr)
	}

	return saved, nil
}

// resolveFundingSince mirrors resolveSince for the funding-rate path,
// restricted to type="alt" entries whose metadata indicates funding
// (spec.md §4.4.4). No continuity check applies to funding data
// (sparse and irregular by design).
func (ing *Ingestor) resolveFundingSince(cfg FundingConfig) (int64, error) {
	entries, err := ing.manifest.ListEntries(manifest.Filter{Exchange: cfg.Exchange, Symbol: cfg.Symbol, DataType: "alt"})
	if err != nil {
		return 0, err
	}

	maxTo := int64(-1)
	for _, e := range entries {
		if !strings.Contains(e.MetadataJSON, "funding") {
			continue
		}
		if e.TimeTo > maxTo {
			maxTo = e.TimeTo
		}
	}
	if maxTo >= 0 {
		return maxTo + 1, nil
	}
	return 0, nil
}

// parseISO8601 parses an ISO-8601 date or date-time string as UTC. A
// caller-supplied value that fails to parse is a ParseError (spec.md §7):
// the caller logs and treats since=0 rather than aborting.
func parseISO8601(s string) (int64, bool) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), true
		}
	}
	return 0, false
}

// sleepCtx sleeps for d, or returns ctx.Err() if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
