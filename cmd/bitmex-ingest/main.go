// BitMEX trade archive ingestion CLI.
// Downloads daily trade archives from the BitMEX public archive, aggregates
// the ticks into OHLCV bars and persists bars plus futures metadata to a
// DuckDB database.
//
// Usage:
//
//	bitmex-ingest --start 2019-07-01 --end 2019-07-31 --granularity day
//	bitmex-ingest --last 7 --granularity minute --db ./data/bitmex.db
//	bitmex-ingest --last 1 --storage memory
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/archive"
	"github.com/johnayoung/go-bitmex-collector/internal/assets"
	"github.com/johnayoung/go-bitmex-collector/internal/bitmex"
	"github.com/johnayoung/go-bitmex-collector/internal/config"
	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/logger"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
	"github.com/johnayoung/go-bitmex-collector/internal/pipeline"
	"github.com/johnayoung/go-bitmex-collector/internal/storage"
)

const (
	appName = "bitmex-ingest"
	version = "1.0.0"
)

const (
	exitSuccess       = 0
	exitUsageError    = 1
	exitConfigError   = 2
	exitConnectionErr = 3
	exitDataError     = 4
	exitInterrupt     = 130
)

type ingestFlags struct {
	Start       string
	End         string
	Last        int
	Granularity string
	Storage     string
	DBPath      string
	Workers     int
	ConfigPath  string
	Help        bool
	Version     bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(exitUsageError)
	}
	if flags.Help {
		printUsage()
		return
	}
	if flags.Version {
		fmt.Printf("%s version %s\n", appName, version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, flags))
}

func run(ctx context.Context, flags *ingestFlags) int {
	cfg, err := config.Load(flags.ConfigPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return exitConfigError
	}
	applyFlags(cfg, flags)

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to setup logging: %v\n", err)
		return exitConfigError
	}
	defer logManager.Close()
	log := logManager.Logger()

	granularity, err := models.ParseGranularity(flags.Granularity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsageError
	}

	pipelineConfig := pipeline.Config{
		Granularity: granularity,
		LastN:       flags.Last,
		WorkerCount: cfg.Archive.WorkerCount,
		Logger:      logManager.Component("pipeline"),
	}
	if flags.Last <= 0 {
		start, end, err := resolveRange(flags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUsageError
		}
		pipelineConfig.Start, pipelineConfig.End = start, end
	}

	sink, err := createSink(cfg, logManager)
	if err != nil {
		log.Error("failed to create sink", "error", err)
		return exitConfigError
	}
	defer sink.Close()

	if err := sink.Initialize(ctx); err != nil {
		log.Error("failed to initialize sink", "error", err)
		return exitConnectionErr
	}

	client := bitmex.NewClient(
		bitmex.WithBaseURL(cfg.API.BaseURL),
		bitmex.WithLogger(logManager.Component("bitmex")),
		bitmex.WithRequestInterval(time.Duration(cfg.API.RequestIntervalSeconds)*time.Second),
	)

	renderer := archive.NewHTTPRenderer()
	defer renderer.Close()
	discoverer := archive.NewDiscoverer(renderer,
		archive.WithRootURL(cfg.Archive.RootURL),
		archive.WithKeyword(cfg.Archive.Keyword),
		archive.WithDiscovererLogger(logManager.Component("archive")),
	)

	p := pipeline.New(
		discoverer,
		pipeline.NewHTTPDownloader(logManager.Component("downloader")),
		assets.NewCache(client, logManager.Component("assets")),
		sink,
		pipelineConfig,
	)

	summary, err := p.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("ingestion interrupted", "error", err)
			return exitInterrupt
		}
		log.Error("ingestion failed", "error", err)
		if apperrors.IsTransient(err) || apperrors.TypeOf(err) == apperrors.ErrorTypeDiscovery {
			return exitConnectionErr
		}
		return exitDataError
	}

	fmt.Printf("Ingested %d bars across %d symbols from %d archive files in %s (run %s)\n",
		summary.Bars, len(summary.Symbols), summary.Files,
		summary.Duration.Round(time.Millisecond), summary.RunID)
	return exitSuccess
}

func createSink(cfg *config.AppConfig, logManager *logger.Manager) (storage.Sink, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemorySink(), nil
	default:
		return storage.NewDuckDBSink(cfg.Storage.DatabasePath, logManager.Component("storage"))
	}
}

func applyFlags(cfg *config.AppConfig, flags *ingestFlags) {
	if flags.Storage != "" {
		cfg.Storage.Type = flags.Storage
	}
	if flags.DBPath != "" {
		cfg.Storage.DatabasePath = flags.DBPath
	}
	if flags.Workers > 0 {
		cfg.Archive.WorkerCount = flags.Workers
	}
}

func resolveRange(flags *ingestFlags) (time.Time, time.Time, error) {
	if flags.Start == "" || flags.End == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("specify either --last or both --start and --end")
	}
	start, err := time.Parse("2006-01-02", flags.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date format, use YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse("2006-01-02", flags.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date format, use YYYY-MM-DD: %w", err)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date cannot be after end date")
	}
	return start, end, nil
}

func parseFlags(args []string) (*ingestFlags, error) {
	flags := &ingestFlags{
		Granularity: "day",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--start", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--last", "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--last requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid --last value: %s", args[i+1])
			}
			flags.Last = n
			i++
		case "--granularity", "-g":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--granularity requires a value")
			}
			flags.Granularity = args[i+1]
			i++
		case "--storage":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--storage requires a value")
			}
			flags.Storage = args[i+1]
			i++
		case "--db":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--db requires a value")
			}
			flags.DBPath = args[i+1]
			i++
		case "--workers", "-w":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--workers requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid --workers value: %s", args[i+1])
			}
			flags.Workers = n
			i++
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		case "--version", "-v":
			flags.Version = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func printUsage() {
	fmt.Printf(`%s - BitMEX trade archive ingestion

Usage:
  %s [flags]

Flags:
  -s, --start DATE        First archive date to ingest (YYYY-MM-DD)
  -e, --end DATE          Last archive date to ingest, inclusive (YYYY-MM-DD)
  -l, --last N            Ingest the most recent N archive files instead of a range
  -g, --granularity G     Bar granularity: day, hour or minute (default: day)
      --storage TYPE      Sink backend: duckdb or memory (default: duckdb)
      --db PATH           DuckDB database path
  -w, --workers N         Concurrent archive downloads (default: 4)
  -c, --config PATH       JSON configuration file
  -h, --help              Show this help
  -v, --version           Show version

Examples:
  %s --start 2019-07-01 --end 2019-07-31
  %s --last 7 --granularity minute --db ./data/bitmex.db
`, appName, appName, appName, appName)
}
