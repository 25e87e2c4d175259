// Package export writes an on-disk candle range to the flat CSV
// format consumed by downstream charting/backtesting tools (spec.md
// §6.5).
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vladtarrow/dl-datalake/internal/partition"
	"github.com/vladtarrow/dl-datalake/pkg/helpers"
)

// WriteCSV reads candles in [startMs, endMs] for (exchange, symbol) via
// partition.ReadRange and writes them to
// dl_<SYMBOL>_<EXCHANGE>_<MARKET>.csv.txt under destDir, in the format
// <TICKER>,<PER>,<DATE>,<TIME>,<OPEN>,<HIGH>,<LOW>,<CLOSE>,<VOL> (spec.md
// §6.5). Returns the written file's path and row count.
func WriteCSV(dataRoot, destDir, exchange, market, symbol string, startMs, endMs int64) (string, int, error) {
	rows, err := partition.ReadRange[partition.Candle](dataRoot, exchange, symbol, "raw", startMs, endMs)
	if err != nil {
		return "", 0, fmt.Errorf("export: read range: %w", err)
	}

	ticker := helpers.NormalizeSymbol(symbol)
	filename := fmt.Sprintf("dl_%s_%s_%s.csv.txt", ticker, helpers.NormalizeUpper(exchange), helpers.NormalizeUpper(market))
	path := filepath.Join(destDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, r := range rows {
		t := time.UnixMilli(r.Ts).UTC()
		record := []string{
			ticker,
			"1",
			t.Format("20060102"),
			t.Format("150405"),
			formatFloat(r.Open),
			formatFloat(r.High),
			formatFloat(r.Low),
			formatFloat(r.Close),
			formatFloat(r.Volume),
		}
		if err := w.Write(record); err != nil {
			return "", 0, fmt.Errorf("export: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, fmt.Errorf("export: flush: %w", err)
	}

	return path, len(rows), nil
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
