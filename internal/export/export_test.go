package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vladtarrow/dl-datalake/internal/partition"
)

func TestWriteCSVFormat(t *testing.T) {
	dataRoot := t.TempDir()
	destDir := t.TempDir()

	date := time.Date(2023, 1, 15, 12, 30, 0, 0, time.UTC)
	rows := []partition.Candle{
		{Ts: date.UnixMilli(), Open: 100, High: 110, Low: 95, Close: 105, Volume: 1234.5},
	}
	if _, err := partition.WriteOHLC(dataRoot, "binance", "spot", "btcusdt", "1m", rows); err != nil {
		t.Fatalf("WriteOHLC() error = %v", err)
	}

	path, n, err := WriteCSV(dataRoot, destDir, "binance", "spot", "btcusdt", 0, date.UnixMilli()+1)
	if err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row written, got %d", n)
	}

	wantName := "dl_BTCUSDT_BINANCE_SPOT.csv.txt"
	if filepath.Base(path) != wantName {
		t.Errorf("filename = %s, want %s", filepath.Base(path), wantName)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	line := strings.TrimSpace(string(content))
	want := "BTCUSDT,1,20230115,123000,100,110,95,105,1234.5"
	if line != want {
		t.Errorf("csv line = %q, want %q", line, want)
	}
}

func TestWriteCSVEmptyRange(t *testing.T) {
	dataRoot := t.TempDir()
	destDir := t.TempDir()

	path, n, err := WriteCSV(dataRoot, destDir, "binance", "spot", "btcusdt", 0, 1000)
	if err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 rows, got %d", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected empty CSV file to still be created: %v", err)
	}
}
