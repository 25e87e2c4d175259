// Package partition implements the atomic, idempotent monthly columnar
// writer and the range-query reader over the partitioned filesystem
// layout (spec.md §3.2, §4.1, §4.3).
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/vladtarrow/dl-datalake/pkg/helpers"
	"github.com/vladtarrow/dl-datalake/pkg/logging"
)

// Row is satisfied by every row type stored in a partition file: it must
// expose its own timestamp column so WriteTable can merge/dedupe/sort
// generically across OHLC, tick, and funding rows.
type Row interface {
	GetTS() int64
}

// Candle is one OHLCV bar (spec.md §4.4.3 schema).
type Candle struct {
	Ts     int64   `parquet:"ts,timestamp(millisecond)"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

// GetTS implements Row.
func (c Candle) GetTS() int64 { return c.Ts }

// Tick is a single trade/quote tick.
type Tick struct {
	Ts     int64   `parquet:"ts,timestamp(millisecond)"`
	Price  float64 `parquet:"price"`
	Volume float64 `parquet:"volume"`
}

// GetTS implements Row.
func (t Tick) GetTS() int64 { return t.Ts }

// FundingRow is a single funding-rate settlement (spec.md §4.4.4). The
// timestamp column for funding data is named "timestamp", not "ts" (§3.2).
type FundingRow struct {
	Ts          int64   `parquet:"timestamp,timestamp(millisecond)"`
	FundingRate float64 `parquet:"funding_rate"`
}

// GetTS implements Row.
func (f FundingRow) GetTS() int64 { return f.Ts }

var logger = logging.GetDefault().Component("partition")

// ErrWriteIntegrity is returned when the post-write verification of a
// freshly published partition file fails (spec.md §7). The caller must not
// register the write in the manifest.
type ErrWriteIntegrity struct {
	Path   string
	Reason string
}

func (e *ErrWriteIntegrity) Error() string {
	return fmt.Sprintf("partition: write integrity check failed for %s: %s", e.Path, e.Reason)
}

// WriteResult is the outcome of a single monthly write (spec.md §4.1).
type WriteResult struct {
	Path   string
	TMin   int64
	TMax   int64
	NumRow int
}

// Layout computes the directory and filename for a single
// (exchange, market, symbol, dataType, period, year, month) partition
// (spec.md §6.2).
func Layout(dataRoot, exchange, market, symbol, dataType, period string, date time.Time) (dir, filename string) {
	exchange = helpers.NormalizeUpper(exchange)
	market = helpers.NormalizeUpper(market)
	symbol = helpers.NormalizeSymbol(symbol)

	year := fmt.Sprintf("%04d", date.Year())
	month := fmt.Sprintf("%02d", date.Month())

	dir = filepath.Join(dataRoot, exchange, market, symbol, dataType, period, year, month)
	filename = fmt.Sprintf("%s_%s_%s%s.parquet", symbol, period, year, month)
	return dir, filename
}

// WriteTable merges rows into the monthly partition file for the given
// tuple, atomically publishes it, and verifies the result (spec.md §4.1).
func WriteTable[R Row](dataRoot, exchange, market, symbol, dataType, period string, date time.Time, rows []R) (WriteResult, error) {
	dir, filename := Layout(dataRoot, exchange, market, symbol, dataType, period, date)
	path := filepath.Join(dir, filename)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return WriteResult{}, fmt.Errorf("partition: mkdir %s: %w", dir, err)
	}

	merged, err := mergeWithExisting(path, rows)
	if err != nil {
		return WriteResult{}, err
	}

	if len(merged) == 0 {
		return WriteResult{}, fmt.Errorf("partition: nothing to write for %s", path)
	}

	tMin, tMax := merged[0].GetTS(), merged[len(merged)-1].GetTS()

	tmpPath := path + ".tmp"
	if err := parquet.WriteFile(tmpPath, merged); err != nil {
		os.Remove(tmpPath)
		return WriteResult{}, fmt.Errorf("partition: write %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return WriteResult{}, fmt.Errorf("partition: publish %s: %w", path, err)
	}

	if err := verifyWrite[R](path, len(merged)); err != nil {
		return WriteResult{}, err
	}

	logger.Debug("partition written", "path", path, "rows", len(merged), "t_min", tMin, "t_max", tMax)

	return WriteResult{Path: path, TMin: tMin, TMax: tMax, NumRow: len(merged)}, nil
}

// mergeWithExisting reads path if it exists, concatenates with rows,
// deduplicates by timestamp keeping the *last* occurrence, and sorts
// ascending by timestamp (spec.md §4.1 step 3).
func mergeWithExisting[R Row](path string, rows []R) ([]R, error) {
	var combined []R

	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[R](path)
		if err != nil {
			return nil, fmt.Errorf("partition: read existing %s: %w", path, err)
		}
		combined = append(combined, existing...)
	}
	combined = append(combined, rows...)

	byTS := make(map[int64]R, len(combined))
	for _, r := range combined {
		byTS[r.GetTS()] = r // last occurrence wins
	}

	merged := make([]R, 0, len(byTS))
	for _, r := range byTS {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].GetTS() < merged[j].GetTS() })

	return merged, nil
}

// verifyWrite re-opens the freshly published file and asserts row count
// and timestamp ordering (spec.md §4.1 step 6). Any failure is a fatal
// integrity error; the caller must not record the write in the manifest.
func verifyWrite[R Row](path string, expectedRows int) error {
	rows, err := parquet.ReadFile[R](path)
	if err != nil {
		return &ErrWriteIntegrity{Path: path, Reason: err.Error()}
	}

	if len(rows) != expectedRows {
		return &ErrWriteIntegrity{Path: path, Reason: fmt.Sprintf("row count mismatch: wrote %d, read back %d", expectedRows, len(rows))}
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].GetTS() <= rows[i-1].GetTS() {
			return &ErrWriteIntegrity{Path: path, Reason: "timestamp column is not strictly sorted"}
		}
	}
	return nil
}

// WriteOHLC partitions rows by calendar month (derived from Ts) and writes
// each month's partition via WriteTable (spec.md §4.1 "higher-level
// helpers"). period is the OHLC timeframe, e.g. "1m".
func WriteOHLC(dataRoot, exchange, market, symbol, period string, rows []Candle) ([]WriteResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return writeByMonth(dataRoot, exchange, market, symbol, "raw", period, rows)
}

// WriteTicks partitions rows by calendar month and writes each month's
// partition via WriteTable. period is conventionally "tick".
func WriteTicks(dataRoot, exchange, market, symbol, period string, rows []Tick) ([]WriteResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return writeByMonth(dataRoot, exchange, market, symbol, "ticks", period, rows)
}

// WriteFunding writes funding-rate rows via WriteTable, partitioned by
// calendar month, with dataType "alt" and period "funding" (spec.md
// §4.4.4).
func WriteFunding(dataRoot, exchange, market, symbol string, rows []FundingRow) ([]WriteResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return writeByMonth(dataRoot, exchange, market, symbol, "alt", "funding", rows)
}

func writeByMonth[R Row](dataRoot, exchange, market, symbol, dataType, period string, rows []R) ([]WriteResult, error) {
	byMonth := make(map[time.Time][]R)
	for _, r := range rows {
		month := monthOf(r.GetTS())
		byMonth[month] = append(byMonth[month], r)
	}

	months := make([]time.Time, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	results := make([]WriteResult, 0, len(months))
	for _, m := range months {
		res, err := WriteTable(dataRoot, exchange, market, symbol, dataType, period, m, byMonth[m])
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	return results, nil
}

func monthOf(tsMs int64) time.Time {
	t := time.UnixMilli(tsMs).UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
