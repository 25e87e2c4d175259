// Package main provides datalaked, a cryptocurrency market-data lake:
// partitioned OHLCV/funding-rate ingestion, a persistent manifest catalog,
// and an integrity verifier, fronted by a small verb-based CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vladtarrow/dl-datalake/internal/config"
	"github.com/vladtarrow/dl-datalake/internal/export"
	"github.com/vladtarrow/dl-datalake/internal/feature"
	"github.com/vladtarrow/dl-datalake/internal/manifest"
	"github.com/vladtarrow/dl-datalake/internal/marketclient"
	"github.com/vladtarrow/dl-datalake/internal/orchestrator"
	"github.com/vladtarrow/dl-datalake/internal/verify"
	"github.com/vladtarrow/dl-datalake/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	dataDir := flag.String("data-dir", "~/.dl-datalake", "Data directory")
	configFile := flag.String("config", "", "Config file path; only its directory is used, and the file read there is datalake.yaml (default: <data-dir>/datalake.yaml)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("datalaked %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	effectiveDataDir := *dataDir
	if *configFile != "" {
		effectiveDataDir = filepath.Dir(*configFile)
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			cfg.Logging.Level = *logLevel
		}
	})

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir), "data_root", cfg.ExpandedDataRoot())

	m, err := manifest.Open(&manifest.Config{Path: cfg.ManifestFullPath()})
	if err != nil {
		log.Fatal("failed to open manifest", "error", err)
	}
	defer m.Close()

	verb, rest := args[0], args[1:]
	switch verb {
	case "ingest":
		runIngest(log, cfg, m, rest)
	case "verify":
		runVerify(log, m, rest)
	case "delete":
		runDelete(log, cfg, m, rest)
	case "export":
		runExport(log, cfg, rest)
	case "upload-feature":
		runUploadFeature(log, cfg, m, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", verb)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: datalaked [global flags] <command> [command flags]")
	fmt.Fprintln(os.Stderr, "commands: ingest, verify, delete, export, upload-feature")
}

// runIngest submits one or more download requests to an orchestrator and
// blocks until they reach a terminal state, printing final task status.
func runIngest(log *logging.Logger, cfg *config.Config, m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	exchange := fs.String("exchange", "", "Exchange name (required)")
	market := fs.String("market", "spot", "Market type (spot, future, swap, ...)")
	symbols := fs.String("symbols", "", "Comma-separated symbol list (required)")
	dataType := fs.String("data-type", "raw", "raw, funding, or both")
	timeframe := fs.String("timeframe", "1m", "OHLCV timeframe")
	startDate := fs.String("start-date", "", "ISO-8601 start date (optional)")
	fullHistory := fs.Bool("full-history", false, "Force probing for the full available history")
	baseURL := fs.String("base-url", "", "Override the exchange's reference HTTP base URL")
	fs.Parse(args)

	if *exchange == "" || *symbols == "" {
		log.Fatal("ingest requires -exchange and -symbols")
	}

	o := orchestrator.New(clientFactory(cfg, *baseURL), m, cfg.ExpandedDataRoot(), cfg.Concurrency.TotalWorkers, cfg.Concurrency.PerExchange)

	var reqs []orchestrator.Request
	for _, s := range strings.Split(*symbols, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		reqs = append(reqs, orchestrator.Request{
			Exchange: *exchange, Market: *market, Symbol: s, DataType: *dataType,
			Timeframe: *timeframe, StartDate: *startDate, FullHistory: *fullHistory,
		})
	}

	keys := o.SubmitBulk(reqs)
	log.Info("submitted ingest tasks", "count", len(keys))

	for _, key := range keys {
		waitAndReport(log, o, key)
	}

	o.Shutdown()
}

func waitAndReport(log *logging.Logger, o *orchestrator.Orchestrator, key string) {
	for {
		task, ok := o.GetTask(key)
		if !ok {
			return
		}
		if task.Status == orchestrator.StatusCompleted || task.Status == orchestrator.StatusFailed {
			log.Info("task finished", "key", key, "status", task.Status, "message", task.Message)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func runVerify(log *logging.Logger, m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	exchange := fs.String("exchange", "", "Exchange name (required)")
	symbol := fs.String("symbol", "", "Symbol (required)")
	market := fs.String("market", "", "Market type")
	timeframe := fs.String("timeframe", "1m", "OHLCV timeframe")
	fs.Parse(args)

	if *exchange == "" || *symbol == "" {
		log.Fatal("verify requires -exchange and -symbol")
	}

	report, err := verify.VerifyIntegrity(m, *exchange, *symbol, *market, *timeframe)
	if err != nil {
		log.Fatal("verification failed", "error", err)
	}
	log.Info("verification result", "status", report.Status, "message", report.Message,
		"rows", report.RowCount, "gaps", report.GapCount, "overlaps", report.OverlapCount, "interval_ms", report.IntervalMs)
}

// runDelete removes manifest entries and, if -unlink is set, best-effort
// removes the underlying files and prunes now-empty parent directories
// (spec.md Open Question, resolved in DESIGN.md: Manifest itself never
// touches the filesystem; this CLI verb composes the unlink on top).
func runDelete(log *logging.Logger, cfg *config.Config, m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	exchange := fs.String("exchange", "", "Exchange name filter")
	symbol := fs.String("symbol", "", "Symbol filter (required)")
	market := fs.String("market", "", "Market type filter")
	dataType := fs.String("data-type", "", "Data type filter")
	unlink := fs.Bool("unlink", false, "Also delete the underlying files")
	fs.Parse(args)

	if *symbol == "" {
		log.Fatal("delete requires -symbol")
	}

	paths, err := m.DeleteEntries(manifest.Filter{Exchange: *exchange, Symbol: *symbol, Market: *market, DataType: *dataType})
	if err != nil {
		log.Fatal("delete failed", "error", err)
	}
	log.Info("manifest entries deleted", "count", len(paths))

	if !*unlink {
		return
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to unlink file", "path", p, "error", err)
			continue
		}
		pruneEmptyParents(log, filepath.Dir(p), cfg.ExpandedDataRoot())
	}
}

// pruneEmptyParents removes dir and any now-empty ancestor directories up
// to (but not including) root.
func pruneEmptyParents(log *logging.Logger, dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			log.Warn("failed to prune empty directory", "path", dir, "error", err)
			return
		}
		dir = filepath.Dir(dir)
	}
}

func runExport(log *logging.Logger, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	exchange := fs.String("exchange", "", "Exchange name (required)")
	symbol := fs.String("symbol", "", "Symbol (required)")
	market := fs.String("market", "", "Market type")
	startISO := fs.String("start", "1970-01-01", "ISO-8601 range start")
	endISO := fs.String("end", "", "ISO-8601 range end (default: now)")
	destDir := fs.String("out-dir", ".", "Output directory")
	fs.Parse(args)

	if *exchange == "" || *symbol == "" {
		log.Fatal("export requires -exchange and -symbol")
	}

	start, err := time.Parse("2006-01-02", *startISO)
	if err != nil {
		log.Fatal("invalid -start date", "error", err)
	}
	end := time.Now().UTC()
	if *endISO != "" {
		end, err = time.Parse("2006-01-02", *endISO)
		if err != nil {
			log.Fatal("invalid -end date", "error", err)
		}
	}

	path, n, err := export.WriteCSV(cfg.ExpandedDataRoot(), *destDir, *exchange, *market, *symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		log.Fatal("export failed", "error", err)
	}
	log.Info("export complete", "path", path, "rows", n)
}

func runUploadFeature(log *logging.Logger, cfg *config.Config, m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("upload-feature", flag.ExitOnError)
	exchange := fs.String("exchange", "", "Exchange name (required)")
	symbol := fs.String("symbol", "", "Symbol (required)")
	featureSet := fs.String("feature-set", "", "Feature-set name (required)")
	version := fs.String("version", "", "Numeric version string (required)")
	source := fs.String("source", "", "Path to the precomputed feature file (required)")
	fs.Parse(args)

	if *exchange == "" || *symbol == "" || *featureSet == "" || *version == "" || *source == "" {
		log.Fatal("upload-feature requires -exchange, -symbol, -feature-set, -version, and -source")
	}

	store := feature.New(m, cfg.ExpandedDataRoot())
	entry, err := store.UploadFeature(*exchange, *symbol, *featureSet, *version, *source)
	if err != nil {
		log.Fatal("upload failed", "error", err)
	}
	log.Info("feature uploaded", "path", entry.Path, "checksum", entry.Checksum)
}

// clientFactory builds the reference HTTP MarketClient for every
// (exchange, market) pair. Production deployments swap this for one that
// dispatches to a per-exchange adapter registry.
func clientFactory(cfg *config.Config, baseURLOverride string) func(exchange, market string) (marketclient.Client, error) {
	return func(exchange, market string) (marketclient.Client, error) {
		baseURL := baseURLOverride
		if baseURL == "" {
			if ex, ok := cfg.Exchanges[strings.ToLower(exchange)]; ok {
				baseURL = ex.BaseURL
			}
		}
		if baseURL == "" {
			return nil, fmt.Errorf("no base URL configured for exchange %q (set -base-url or add it to datalake.yaml)", exchange)
		}
		return marketclient.NewHTTPClient(baseURL), nil
	}
}
