package manifest

import (
	"path/filepath"
	"testing"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(&Config{Path: filepath.Join(dir, "manifest.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddEntryInsertAndUpsert(t *testing.T) {
	m := openTestManifest(t)

	id1, err := m.AddEntry(Entry{
		Exchange: "binance", Market: "spot", Symbol: "btcusdt", Type: "raw",
		Path: "/data/BINANCE/SPOT/BTCUSDT/raw/1m/2023/01/BTCUSDT_1m_202301.parquet",
		TimeFrom: 100, TimeTo: 200, Version: "1",
	})
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}

	// Same path, different fields: must upsert, not duplicate (I1 / T5).
	id2, err := m.AddEntry(Entry{
		Exchange: "BINANCE", Market: "SPOT", Symbol: "BTCUSDT", Type: "raw",
		Path: "/data/BINANCE/SPOT/BTCUSDT/raw/1m/2023/01/BTCUSDT_1m_202301.parquet",
		TimeFrom: 100, TimeTo: 300, Version: "2",
	})
	if err != nil {
		t.Fatalf("AddEntry() second call error = %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected upsert to reuse id %d, got %d", id1, id2)
	}

	entries, err := m.ListEntries(Filter{})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert, got %d", len(entries))
	}
	if entries[0].TimeTo != 300 || entries[0].Version != "2" {
		t.Errorf("expected last-write-wins fields, got TimeTo=%d Version=%s", entries[0].TimeTo, entries[0].Version)
	}
}

func TestCaseNormalization(t *testing.T) {
	m := openTestManifest(t)

	if _, err := m.AddEntry(Entry{
		Exchange: "binance", Market: "spot", Symbol: "btcusdt", Type: "raw",
		Path: "/data/a.parquet", TimeFrom: 1, TimeTo: 2,
	}); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}

	entries, err := m.ListEntries(Filter{Exchange: "BINANCE"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry retrievable via uppercase filter, got %d", len(entries))
	}
	if entries[0].Exchange != "BINANCE" || entries[0].Symbol != "BTCUSDT" {
		t.Errorf("expected normalized fields, got exchange=%s symbol=%s", entries[0].Exchange, entries[0].Symbol)
	}
}

func TestSymbolSeparatorNormalization(t *testing.T) {
	m := openTestManifest(t)

	if _, err := m.AddEntry(Entry{
		Exchange: "BYBIT", Market: "LINEAR", Symbol: "BTC/USDT:USDT", Type: "raw",
		Path: "/data/b.parquet", TimeFrom: 1, TimeTo: 2,
	}); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}

	entries, err := m.ListEntries(Filter{Symbol: "BTC/USDT:USDT"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected normalized symbol filter to match, got %d entries", len(entries))
	}
	if entries[0].Symbol != "BTC_USDT_USDT" {
		t.Errorf("Symbol = %q, want BTC_USDT_USDT", entries[0].Symbol)
	}
}

func TestListEntriesFiltersAreANDCombined(t *testing.T) {
	m := openTestManifest(t)

	mustAdd := func(exchange, market, symbol, typ, path string) {
		if _, err := m.AddEntry(Entry{Exchange: exchange, Market: market, Symbol: symbol, Type: typ, Path: path}); err != nil {
			t.Fatalf("AddEntry(%s) error = %v", path, err)
		}
	}

	mustAdd("BINANCE", "SPOT", "BTCUSDT", "raw", "/data/1.parquet")
	mustAdd("BINANCE", "SPOT", "ETHUSDT", "raw", "/data/2.parquet")
	mustAdd("BINANCE", "FUTURE", "BTCUSDT", "raw", "/data/3.parquet")
	mustAdd("COINBASE", "SPOT", "BTCUSDT", "raw", "/data/4.parquet")

	entries, err := m.ListEntries(Filter{Exchange: "BINANCE", Market: "SPOT", Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/data/1.parquet" {
		t.Fatalf("expected exactly the BINANCE/SPOT/BTCUSDT entry, got %+v", entries)
	}
}

func TestDeleteEntriesDoesNotTouchFilesystem(t *testing.T) {
	m := openTestManifest(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "exists.parquet")
	if _, err := m.AddEntry(Entry{Exchange: "BINANCE", Market: "SPOT", Symbol: "BTCUSDT", Type: "raw", Path: path}); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}

	paths, err := m.DeleteEntries(Filter{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("DeleteEntries() error = %v", err)
	}
	if len(paths) != 1 || paths[0] != path {
		t.Fatalf("DeleteEntries() paths = %v, want [%s]", paths, path)
	}

	remaining, err := m.ListEntries(Filter{})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected manifest empty after delete, got %d entries", len(remaining))
	}
}

func TestGetLatestVersionNumericOnly(t *testing.T) {
	m := openTestManifest(t)

	mustAdd := func(version, path string) {
		if _, err := m.AddEntry(Entry{
			Exchange: "BINANCE", Market: "SPOT", Symbol: "BTC", Type: "talib",
			Path: path, Version: version,
		}); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
	}

	mustAdd("1", "/data/f1.parquet")
	mustAdd("2", "/data/f2.parquet")
	mustAdd("1.5.0", "/data/f3.parquet") // non-numeric: ignored per spec.md §9

	v, err := m.GetLatestVersion("BINANCE", "BTC", "talib")
	if err != nil {
		t.Fatalf("GetLatestVersion() error = %v", err)
	}
	if v != 2 {
		t.Errorf("GetLatestVersion() = %d, want 2", v)
	}
}

func TestGetLatestVersionNoneFound(t *testing.T) {
	m := openTestManifest(t)

	v, err := m.GetLatestVersion("BINANCE", "BTC", "talib")
	if err != nil {
		t.Fatalf("GetLatestVersion() error = %v", err)
	}
	if v != 0 {
		t.Errorf("GetLatestVersion() = %d, want 0", v)
	}
}

func TestAddEntryRejectsInvertedRange(t *testing.T) {
	m := openTestManifest(t)

	_, err := m.AddEntry(Entry{
		Exchange: "BINANCE", Market: "SPOT", Symbol: "BTCUSDT", Type: "raw",
		Path: "/data/bad.parquet", TimeFrom: 500, TimeTo: 100,
	})
	if err == nil {
		t.Fatal("expected error for time_from > time_to")
	}
}
