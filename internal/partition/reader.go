package partition

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/vladtarrow/dl-datalake/pkg/helpers"
)

// ReadRange enumerates every partition file under
// <dataRoot>/<EXCHANGE>/*/<SYMBOL>/<dataType>/**/*.parquet (market
// wildcarded), reads each with parquet-go, and returns rows with
// startMs <= ts <= endMs, ordered by timestamp (spec.md §4.3).
//
// Path components are always joined with filepath.Join and normalized via
// pkg/helpers, never interpolated into a query string, so that unusual
// symbol input (T8) degrades to "no matching files" rather than touching
// anything outside the partition tree.
func ReadRange[R Row](dataRoot, exchange, symbol, dataType string, startMs, endMs int64) ([]R, error) {
	files, err := candidateFiles(dataRoot, exchange, symbol, dataType)
	if err != nil {
		return nil, fmt.Errorf("partition: glob failed: %w", err)
	}

	var result []R
	for _, path := range files {
		rows, err := parquet.ReadFile[R](path)
		if err != nil {
			return nil, fmt.Errorf("partition: read %s: %w", path, err)
		}
		for _, r := range rows {
			ts := r.GetTS()
			if ts >= startMs && ts <= endMs {
				result = append(result, r)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].GetTS() < result[j].GetTS() })
	return result, nil
}

// candidateFiles globs every *.parquet file for (exchange, symbol,
// dataType) across all markets, periods, years, and months. Go's
// filepath.Glob has no "**" support, so the fixed partition depth
// (period/year/month/filename) is walked with one "*" per level.
func candidateFiles(dataRoot, exchange, symbol, dataType string) ([]string, error) {
	exchange = helpers.NormalizeUpper(exchange)
	symbol = helpers.NormalizeSymbol(symbol)

	pattern := filepath.Join(dataRoot, exchange, "*", symbol, dataType, "*", "*", "*", "*.parquet")
	return filepath.Glob(pattern)
}

// ListSymbols enumerates distinct symbol directories under
// <dataRoot>/<EXCHANGE>/*/* (market wildcarded), for discovery UIs
// (spec.md §4.3).
func ListSymbols(dataRoot, exchange string) ([]string, error) {
	exchange = helpers.NormalizeUpper(exchange)

	pattern := filepath.Join(dataRoot, exchange, "*", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("partition: glob failed: %w", err)
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, m := range matches {
		symbol := filepath.Base(m)
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}

	sort.Strings(symbols)
	return symbols, nil
}
