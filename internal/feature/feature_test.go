package feature

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vladtarrow/dl-datalake/internal/manifest"
)

func openTestManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Open(&manifest.Config{Path: t.TempDir() + "/manifest.db"})
	if err != nil {
		t.Fatalf("manifest.Open() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUploadFeatureCopiesAndRegisters(t *testing.T) {
	dataRoot := t.TempDir()
	m := openTestManifest(t)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "momentum.parquet")
	if err := os.WriteFile(srcPath, []byte("fake feature bytes"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := New(m, dataRoot)
	entry, err := store.UploadFeature("binance", "btcusdt", "momentum_v1", "3", srcPath)
	if err != nil {
		t.Fatalf("UploadFeature() error = %v", err)
	}

	wantPath := filepath.Join(dataRoot, "features", "momentum_v1", "3", "momentum.parquet")
	if entry.Path != wantPath {
		t.Errorf("Path = %s, want %s", entry.Path, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("expected copied file to exist: %v", err)
	}
	if entry.Checksum == "" {
		t.Error("expected non-empty checksum")
	}

	entries, err := m.ListEntries(manifest.Filter{Symbol: "btcusdt", DataType: "momentum_v1"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 manifest entry, got %d", len(entries))
	}
	if entries[0].Version != "3" {
		t.Errorf("Version = %s, want 3", entries[0].Version)
	}
}

func TestUploadFeatureTwoVersionsBothPersist(t *testing.T) {
	dataRoot := t.TempDir()
	m := openTestManifest(t)
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "feat.parquet")
	if err := os.WriteFile(srcPath, []byte("v1 bytes"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := New(m, dataRoot)
	if _, err := store.UploadFeature("binance", "btc", "talib", "1", srcPath); err != nil {
		t.Fatalf("UploadFeature(v1) error = %v", err)
	}
	if _, err := store.UploadFeature("binance", "btc", "talib", "2", srcPath); err != nil {
		t.Fatalf("UploadFeature(v2) error = %v", err)
	}

	for _, v := range []string{"1", "2"} {
		p := filepath.Join(dataRoot, "features", "talib", v, "feat.parquet")
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	latest, err := m.GetLatestVersion("BINANCE", "BTC", "talib")
	if err != nil {
		t.Fatalf("GetLatestVersion() error = %v", err)
	}
	if latest != 2 {
		t.Errorf("GetLatestVersion() = %d, want 2 (E3)", latest)
	}
}

func TestUploadFeatureMissingSource(t *testing.T) {
	dataRoot := t.TempDir()
	m := openTestManifest(t)
	store := New(m, dataRoot)

	_, err := store.UploadFeature("binance", "btcusdt", "momentum_v1", "1", "/nonexistent/path.parquet")
	if err != ErrMissingSource {
		t.Errorf("UploadFeature() error = %v, want ErrMissingSource", err)
	}
}
