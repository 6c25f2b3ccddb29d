// Package pipeline orchestrates archive ingestion: discover daily trade
// archives, download and aggregate them into bars, resolve instrument
// metadata and persist everything as one atomic run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-bitmex-collector/internal/aggregate"
	"github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
	"github.com/johnayoung/go-bitmex-collector/internal/storage"
)

const (
	// DefaultWorkerCount bounds concurrent archive processing. Downloads
	// dominate the wall clock, so a small pool is enough.
	DefaultWorkerCount = 4

	initialBackoffInterval = 500 * time.Millisecond
	maxBackoffInterval     = 30 * time.Second
	maxDownloadElapsed     = 10 * time.Minute
)

// FileDiscoverer lists archive file URLs, either for a date range or the most
// recent N files.
type FileDiscoverer interface {
	DiscoverFiles(ctx context.Context, start, end time.Time) ([]string, error)
	LatestFiles(ctx context.Context, n int) ([]string, error)
}

// AssetResolver supplies instrument metadata for the symbols seen in ticks.
type AssetResolver interface {
	GetAll(ctx context.Context, symbols []string) ([]*models.AssetDetail, error)
}

// Config controls one ingestion pass.
type Config struct {
	// Granularity selects the bar bucket size.
	Granularity models.Granularity

	// Start and End bound the archive dates to ingest, inclusive. Ignored
	// when LastN is set.
	Start time.Time
	End   time.Time

	// LastN, when positive, ingests the most recent N archive files instead
	// of a date range.
	LastN int

	// WorkerCount bounds concurrent archive processing. Zero means
	// DefaultWorkerCount.
	WorkerCount int

	Logger *slog.Logger
}

// Summary reports what one completed run ingested.
type Summary struct {
	RunID    string
	Files    int
	Bars     int
	Symbols  []string
	Duration time.Duration
}

// Pipeline wires discovery, download, aggregation, asset resolution and the
// sink into a single Run operation.
type Pipeline struct {
	discoverer FileDiscoverer
	downloader Downloader
	assets     AssetResolver
	sink       storage.Sink
	config     Config
	logger     *slog.Logger
}

// New creates a pipeline. All dependencies are required.
func New(discoverer FileDiscoverer, downloader Downloader, assets AssetResolver, sink storage.Sink, config Config) *Pipeline {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		discoverer: discoverer,
		downloader: downloader,
		assets:     assets,
		sink:       sink,
		config:     config,
		logger:     logger,
	}
}

// Run executes one complete ingestion pass. Nothing is written to the sink
// until every archive has been aggregated and every instrument resolved, so
// a failure anywhere leaves the sink untouched.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)

	urls, err := p.discoverFiles(ctx)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, errors.New(errors.ErrorTypeDiscovery, "pipeline", "discover",
			fmt.Errorf("no archive files found for the requested range"))
	}

	logger.Info("starting ingestion run",
		"files", len(urls),
		"granularity", p.config.Granularity.String(),
		"workers", p.config.WorkerCount)

	candles, err := p.processArchives(ctx, logger, urls)
	if err != nil {
		return nil, err
	}

	symbols := aggregate.Symbols(candles)
	details, err := p.assets.GetAll(ctx, symbols)
	if err != nil {
		return nil, err
	}

	run := &storage.IngestRun{
		ID:          runID,
		Granularity: p.config.Granularity,
		Candles:     candles,
		Assets:      details,
		StartedAt:   started,
	}
	if err := p.sink.WriteRun(ctx, run); err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:    runID,
		Files:    len(urls),
		Bars:     len(candles),
		Symbols:  symbols,
		Duration: time.Since(started),
	}
	logger.Info("ingestion run completed",
		"files", summary.Files,
		"bars", summary.Bars,
		"symbols", len(summary.Symbols),
		"duration", summary.Duration)
	return summary, nil
}

func (p *Pipeline) discoverFiles(ctx context.Context) ([]string, error) {
	if p.config.LastN > 0 {
		return p.discoverer.LatestFiles(ctx, p.config.LastN)
	}
	return p.discoverer.DiscoverFiles(ctx, p.config.Start, p.config.End)
}

// processArchives downloads and aggregates every archive with bounded
// concurrency. Results keep the discovery order of urls, which is
// chronological, so later merging can rely on file order.
func (p *Pipeline) processArchives(ctx context.Context, logger *slog.Logger, urls []string) ([]models.Candle, error) {
	perFile := make([][]models.Candle, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)

	var mu sync.Mutex
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			candles, err := p.processOne(gctx, logger, url)
			if err != nil {
				return err
			}
			mu.Lock()
			perFile[i] = candles
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeCandles(perFile), nil
}

// processOne downloads one archive with exponential backoff on transient
// failures and aggregates its ticks. Fatal errors (bad archive contents,
// client-side HTTP errors) stop retrying immediately.
func (p *Pipeline) processOne(ctx context.Context, logger *slog.Logger, url string) ([]models.Candle, error) {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialBackoffInterval
	backoffConfig.MaxInterval = maxBackoffInterval
	backoffConfig.MaxElapsedTime = maxDownloadElapsed

	var candles []models.Candle
	operation := func() error {
		body, err := p.downloader.Download(ctx, url)
		if err != nil {
			if errors.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer body.Close()

		candles, err = aggregate.AggregateArchive(body, p.config.Granularity)
		if err != nil {
			if errors.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoffConfig, ctx),
		func(err error, delay time.Duration) {
			logger.Warn("archive download failed, retrying",
				"url", url,
				"error", err,
				"retry_delay", delay)
		},
	)
	if err != nil {
		return nil, err
	}

	logger.Debug("archive processed", "url", url, "bars", len(candles))
	return candles, nil
}

// mergeCandles flattens per-file candle slices into one run-wide slice. Daily
// archives never split a bucket across files, but when a duplicate
// (symbol, period) does appear the earlier file supplies the open and the
// later file the close, with extremes and volume folded together.
func mergeCandles(perFile [][]models.Candle) []models.Candle {
	type key struct {
		symbol string
		start  time.Time
	}
	merged := make(map[key]*models.Candle)
	order := make([]key, 0)

	for _, candles := range perFile {
		for _, c := range candles {
			k := key{c.Symbol, c.PeriodStart}
			existing, ok := merged[k]
			if !ok {
				copied := c
				merged[k] = &copied
				order = append(order, k)
				continue
			}
			if c.High.GreaterThan(existing.High) {
				existing.High = c.High
			}
			if c.Low.LessThan(existing.Low) {
				existing.Low = c.Low
			}
			existing.Close = c.Close
			existing.Volume = existing.Volume.Add(c.Volume)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].symbol != order[j].symbol {
			return order[i].symbol < order[j].symbol
		}
		return order[i].start.Before(order[j].start)
	})

	out := make([]models.Candle, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}
