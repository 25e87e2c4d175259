// Package manifest implements the persistent catalog of every partition
// file in the data lake: its provenance, time coverage, and lifecycle
// state.
package manifest

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vladtarrow/dl-datalake/pkg/helpers"
	"github.com/vladtarrow/dl-datalake/pkg/logging"
)

// Entry is a single manifest row (spec.md §3.1).
type Entry struct {
	ID           int64
	Exchange     string
	Market       string
	Symbol       string
	Type         string
	Path         string
	TimeFrom     int64
	TimeTo       int64
	Version      string
	Checksum     string
	CreatedAt    int64
	MetadataJSON string
}

// Manifest is the SQLite-backed catalog. A single instance is shared
// across all ingestion workers; SQLite's own locking plus a generous
// busy-timeout handles concurrent writers (spec.md §5).
type Manifest struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *logging.Logger
}

// Config holds manifest storage configuration.
type Config struct {
	// Path is the manifest database file path.
	Path string

	// Logger, if nil, uses the package default logger's "manifest" component.
	Logger *logging.Logger
}

// Open opens (creating if absent) the manifest catalog at cfg.Path.
func Open(cfg *Config) (*Manifest, error) {
	path := expandPath(cfg.Path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping manifest: %w", err)
	}

	// SQLite only supports one writer; busy-timeout above absorbs
	// contention between concurrent ingestion workers instead of failing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetDefault().Component("manifest")
	}

	m := &Manifest{db: db, logger: logger}

	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize manifest schema: %w", err)
	}

	return m, nil
}

// Close closes the underlying database connection.
func (m *Manifest) Close() error {
	return m.db.Close()
}

func (m *Manifest) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manifest (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exchange TEXT NOT NULL,
		market TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		time_from INTEGER NOT NULL DEFAULT 0,
		time_to INTEGER NOT NULL DEFAULT 0,
		version TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_manifest_lookup ON manifest(exchange, market, symbol, type);
	CREATE INDEX IF NOT EXISTS idx_manifest_symbol ON manifest(symbol);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_manifest_path ON manifest(path);
	`

	if _, err := m.db.Exec(schema); err != nil {
		return err
	}

	return m.runMigrations()
}

// runMigrations applies additive schema changes for existing databases.
// Errors are ignored since columns/indexes may already exist.
func (m *Manifest) runMigrations() error {
	migrations := []string{
		"ALTER TABLE manifest ADD COLUMN checksum TEXT NOT NULL DEFAULT ''",
	}

	for _, migration := range migrations {
		_, _ = m.db.Exec(migration)
	}

	return nil
}

// AddEntry inserts a new manifest row, or upserts in-place if an entry with
// the same path already exists (spec.md I1). exchange/market/symbol are
// case-normalized (I3). Returns the row id.
func (m *Manifest) AddEntry(e Entry) (int64, error) {
	if e.TimeFrom != 0 && e.TimeTo != 0 && e.TimeFrom > e.TimeTo {
		return 0, fmt.Errorf("manifest: time_from (%d) > time_to (%d) for %s", e.TimeFrom, e.TimeTo, e.Path)
	}

	e.Exchange = helpers.NormalizeUpper(e.Exchange)
	e.Market = helpers.NormalizeUpper(e.Market)
	e.Symbol = helpers.NormalizeSymbol(e.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	var existingID int64
	err := m.db.QueryRow(`SELECT id FROM manifest WHERE path = ?`, e.Path).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res, err := m.db.Exec(`
			INSERT INTO manifest (exchange, market, symbol, type, path, time_from, time_to, version, checksum, created_at, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Exchange, e.Market, e.Symbol, e.Type, e.Path, e.TimeFrom, e.TimeTo, e.Version, e.Checksum, time.Now().Unix(), e.MetadataJSON)
		if err != nil {
			return 0, fmt.Errorf("manifest: insert failed: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("manifest: last insert id: %w", err)
		}
		m.logger.Debug("manifest entry inserted", "path", e.Path, "exchange", e.Exchange, "symbol", e.Symbol)
		return id, nil
	case err != nil:
		return 0, fmt.Errorf("manifest: lookup by path failed: %w", err)
	default:
		_, err := m.db.Exec(`
			UPDATE manifest
			SET exchange = ?, market = ?, symbol = ?, type = ?, time_from = ?, time_to = ?, version = ?, checksum = ?, metadata_json = ?
			WHERE id = ?
		`, e.Exchange, e.Market, e.Symbol, e.Type, e.TimeFrom, e.TimeTo, e.Version, e.Checksum, e.MetadataJSON, existingID)
		if err != nil {
			return 0, fmt.Errorf("manifest: upsert failed: %w", err)
		}
		m.logger.Debug("manifest entry upserted", "path", e.Path, "id", existingID)
		return existingID, nil
	}
}

// Filter selects entries for ListEntries/DeleteEntries. Zero-value fields
// are ignored (AND-combined, absent filters skipped).
type Filter struct {
	Symbol   string
	Exchange string
	Market   string
	DataType string
}

// ListEntries returns entries matching filter, AND-combined, in insertion
// (ascending id) order.
func (m *Manifest) ListEntries(f Filter) ([]Entry, error) {
	query, args := buildFilterQuery(
		`SELECT id, exchange, market, symbol, type, path, time_from, time_to, version, checksum, created_at, metadata_json FROM manifest`,
		f,
	)
	query += " ORDER BY id ASC"

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: list query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Exchange, &e.Market, &e.Symbol, &e.Type, &e.Path,
			&e.TimeFrom, &e.TimeTo, &e.Version, &e.Checksum, &e.CreatedAt, &e.MetadataJSON); err != nil {
			return nil, fmt.Errorf("manifest: scan failed: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// DeleteEntries removes entries matching filter and returns their paths.
// It never touches the filesystem; unlinking is the caller's
// responsibility (spec.md §4.2, open question resolved in DESIGN.md).
func (m *Manifest) DeleteEntries(f Filter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	selectQuery, args := buildFilterQuery(`SELECT path FROM manifest`, f)

	rows, err := m.db.Query(selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: delete-select failed: %w", err)
	}

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("manifest: scan path failed: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, nil
	}

	deleteQuery, args := buildFilterQuery(`DELETE FROM manifest`, f)
	if _, err := m.db.Exec(deleteQuery, args...); err != nil {
		return nil, fmt.Errorf("manifest: delete failed: %w", err)
	}

	m.logger.Info("manifest entries deleted", "count", len(paths))
	return paths, nil
}

// GetLatestVersion returns the highest numeric version recorded for
// (exchange, symbol, featureSet), 0 if none (spec.md §9: numeric-only
// version pin).
func (m *Manifest) GetLatestVersion(exchange, symbol, featureSet string) (int, error) {
	exchange = helpers.NormalizeUpper(exchange)
	symbol = helpers.NormalizeSymbol(symbol)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(`SELECT version FROM manifest WHERE exchange = ? AND symbol = ? AND type = ?`,
		exchange, symbol, featureSet)
	if err != nil {
		return 0, fmt.Errorf("manifest: version query failed: %w", err)
	}
	defer rows.Close()

	best := 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return 0, fmt.Errorf("manifest: scan version failed: %w", err)
		}
		if n := helpers.ParseNumericVersion(v); n > best {
			best = n
		}
	}

	return best, rows.Err()
}

// buildFilterQuery appends a WHERE clause AND-combining the non-empty
// fields of f onto base, and returns the bound parameter values. Parameter
// values are always bound, never interpolated into the query string
// (spec.md T8 / §4.3).
func buildFilterQuery(base string, f Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, helpers.NormalizeSymbol(f.Symbol))
	}
	if f.Exchange != "" {
		clauses = append(clauses, "exchange = ?")
		args = append(args, helpers.NormalizeUpper(f.Exchange))
	}
	if f.Market != "" {
		clauses = append(clauses, "market = ?")
		args = append(args, helpers.NormalizeUpper(f.Market))
	}
	if f.DataType != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.DataType)
	}

	if len(clauses) == 0 {
		return base, args
	}

	query := base + " WHERE "
	for i, c := range clauses {
		if i > 0 {
			query += " AND "
		}
		query += c
	}
	return query, args
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
