// Package feature implements the feature-store write path: external
// collaborators upload a precomputed, versioned file that is copied into
// the data lake's feature layout and registered in the manifest (spec.md
// §6.3, §7 supplemented features).
package feature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vladtarrow/dl-datalake/internal/manifest"
	"github.com/vladtarrow/dl-datalake/pkg/helpers"
)

// ErrMissingSource is returned when the caller-supplied source file does
// not exist (spec.md §7, MissingSource error kind).
var ErrMissingSource = fmt.Errorf("feature: source file does not exist")

// Store copies externally computed feature files into the data lake and
// registers them in the manifest.
type Store struct {
	manifest *manifest.Manifest
	dataRoot string
}

// New creates a Store writing under dataRoot and registering in m.
func New(m *manifest.Manifest, dataRoot string) *Store {
	return &Store{manifest: m, dataRoot: dataRoot}
}

// UploadFeature copies sourcePath into
// <data-root>/features/<featureSet>/<version>/<basename>, computes its
// SHA-256, and registers a manifest entry with type=featureSet (spec.md
// §6.3).
func (s *Store) UploadFeature(exchange, symbol, featureSet, version, sourcePath string) (manifest.Entry, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.Entry{}, ErrMissingSource
		}
		return manifest.Entry{}, fmt.Errorf("feature: stat %s: %w", sourcePath, err)
	}
	if info.IsDir() {
		return manifest.Entry{}, fmt.Errorf("feature: source %s is a directory", sourcePath)
	}

	destDir := filepath.Join(s.dataRoot, "features", featureSet, version)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return manifest.Entry{}, fmt.Errorf("feature: mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(sourcePath))

	checksum, err := copyAndHash(sourcePath, destPath)
	if err != nil {
		return manifest.Entry{}, err
	}

	id, err := s.manifest.AddEntry(manifest.Entry{
		Exchange: exchange,
		Symbol:   symbol,
		Type:     featureSet,
		Path:     destPath,
		Version:  version,
		Checksum: checksum,
	})
	if err != nil {
		return manifest.Entry{}, fmt.Errorf("feature: manifest registration failed: %w", err)
	}

	return manifest.Entry{
		ID: id, Exchange: helpers.NormalizeUpper(exchange), Symbol: helpers.NormalizeSymbol(symbol),
		Type: featureSet, Path: destPath, Version: version, Checksum: checksum,
	}, nil
}

// copyAndHash copies src to dst and returns the hex SHA-256 of its
// contents.
func copyAndHash(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("feature: open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("feature: create destination: %w", err)
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", fmt.Errorf("feature: copy failed: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
