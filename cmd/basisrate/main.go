// BitMEX basis rate CLI.
// Fetches daily settlement prices for quarterly bitcoin futures and the .BXBT
// index, computes each contract's annualized basis curve, and finishes with
// the XBTUSD funding rate series over the same window.
//
// Usage:
//
//	basisrate
//	basisrate --days 730
//	basisrate --start 2018-01-01 --end 2019-06-30 --remote-lifecycle
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-bitmex-collector/internal/basis"
	"github.com/johnayoung/go-bitmex-collector/internal/bitmex"
	"github.com/johnayoung/go-bitmex-collector/internal/config"
	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/fetch"
	"github.com/johnayoung/go-bitmex-collector/internal/lifecycle"
	"github.com/johnayoung/go-bitmex-collector/internal/logger"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

const (
	appName = "basisrate"
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

const dateFormat = "2006-01-02"

type basisFlags struct {
	Days            int
	Start           string
	End             string
	RemoteLifecycle bool
	ConfigPath      string
	Help            bool
	Version         bool
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

func run(ctx context.Context, flags *basisFlags) int {
	cfg, err := config.Load(flags.ConfigPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return exitConfigError
	}

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to setup logging: %v\n", err)
		return exitConfigError
	}
	defer logManager.Close()
	log := logManager.Logger()

	startDate, numDays, err := resolveWindow(flags, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsageError
	}

	client := bitmex.NewClient(
		bitmex.WithBaseURL(cfg.API.BaseURL),
		bitmex.WithLogger(logManager.Component("bitmex")),
		bitmex.WithRequestInterval(time.Duration(cfg.API.RequestIntervalSeconds)*time.Second),
	)

	var resolver lifecycle.Resolver
	if flags.RemoteLifecycle {
		resolver = lifecycle.NewRemoteResolver(client, cfg.Basis.RootSymbol)
	} else {
		resolver = lifecycle.NewCalendarResolver(cfg.Basis.RootSymbol)
	}

	contracts, err := resolver.Resolve(ctx, startDate, numDays)
	if err != nil {
		log.Error("contract lifecycle resolution failed", "error", err)
		return exitCodeFor(ctx, err)
	}

	log.Info("computing basis rates",
		"root", cfg.Basis.RootSymbol,
		"index", cfg.Basis.IndexSymbol,
		"start", startDate.Format(dateFormat),
		"days", numDays,
		"contracts", len(contracts))

	windowOpts := []fetch.StreamOption{
		fetch.WithMaxWindowDays(cfg.API.MaxWindowDays),
		fetch.WithStreamLogger(logManager.Component("fetch")),
	}

	indexPrices, err := fetch.FetchSeries(ctx,
		closesFetcher(client, cfg.Basis.IndexSymbol),
		startDate, numDays, windowOpts...)
	if err != nil {
		log.Error("index price fetch failed", "symbol", cfg.Basis.IndexSymbol, "error", err)
		return exitCodeFor(ctx, err)
	}

	symbols := make([]string, 0, len(contracts))
	for symbol := range contracts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	// Contract series fetch concurrently; the client's limiter still paces
	// individual requests. One contract failing does not abort the others, so
	// every curve that could be computed gets printed.
	curves := make([]contractCurve, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, symbol := range symbols {
		i, contract := i, contracts[symbol]
		g.Go(func() error {
			curves[i] = fetchContractBasis(gctx, client, contract, indexPrices, startDate, numDays, windowOpts)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return exitInterrupt
	}

	failures := 0
	for _, curve := range curves {
		if curve.err != nil {
			log.Error("basis computation failed", "symbol", curve.contract.Symbol, "error", curve.err)
			failures++
			continue
		}
		printContractBasis(curve)
	}

	if err := printFundingRates(ctx, client, cfg.Basis.SwapSymbol, startDate, numDays, windowOpts); err != nil {
		log.Error("funding rate fetch failed", "symbol", cfg.Basis.SwapSymbol, "error", err)
		failures++
	}

	if failures > 0 {
		log.Warn("completed with failures", "failures", failures)
		return exitDataError
	}
	return exitSuccess
}

type contractCurve struct {
	contract models.ContractExpiration
	series   models.BasisSeries
	skipped  bool
	err      error
}

// fetchContractBasis fetches one contract's settlement prices and computes its
// annualized basis series. The fetch start is clamped to the contract listing
// date when the lifecycle resolver knows it, and the fetch length is capped at
// the contract expiry, so no requests are wasted on days where the contract
// did not trade.
func fetchContractBasis(
	ctx context.Context,
	client *bitmex.Client,
	contract models.ContractExpiration,
	indexPrices *models.DailySeries,
	startDate time.Time,
	numDays int,
	opts []fetch.StreamOption,
) contractCurve {
	curve := contractCurve{contract: contract}

	fetchStart := models.DateOf(startDate)
	fetchDays := numDays
	if !contract.Listing.IsZero() && contract.Listing.After(fetchStart) {
		listed := models.DateOf(contract.Listing)
		fetchDays -= int(listed.Sub(fetchStart).Hours() / 24)
		fetchStart = listed
	}
	if toExpiry := contract.DaysToExpiry(fetchStart); toExpiry < fetchDays {
		fetchDays = toExpiry
	}
	if fetchDays <= 0 {
		curve.skipped = true
		return curve
	}

	futuresPrices, err := fetch.FetchSeries(ctx,
		closesFetcher(client, contract.Symbol),
		fetchStart, fetchDays, opts...)
	if err != nil {
		curve.err = err
		return curve
	}

	curve.series = basis.Compute(contract.Expiry, futuresPrices, indexPrices)
	return curve
}

func printContractBasis(curve contractCurve) {
	if curve.skipped {
		fmt.Printf("\n%s: outside the requested window, skipping\n", curve.contract.Symbol)
		return
	}

	fmt.Printf("\n%s (expires %s): %d days\n",
		curve.contract.Symbol, curve.contract.Expiry.Format(dateFormat), len(curve.series))
	for _, day := range sortedDays(curve.series) {
		point := curve.series[day]
		if point.Missing {
			fmt.Printf("  %s  (no index price)\n", day.Format(dateFormat))
			continue
		}
		fmt.Printf("  %s  %s\n", day.Format(dateFormat), point.Value.StringFixed(6))
	}
}

func printFundingRates(
	ctx context.Context,
	client *bitmex.Client,
	symbol string,
	startDate time.Time,
	numDays int,
	opts []fetch.StreamOption,
) error {
	funding, err := fetch.FetchSeries(ctx,
		func(ctx context.Context, start, end time.Time) ([]models.Observation, error) {
			return client.DailyFunding(ctx, symbol, start, end)
		},
		startDate, numDays, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s funding rates: %d days\n", symbol, funding.Len())
	for _, day := range funding.Days() {
		value, _ := funding.Get(day)
		fmt.Printf("  %s  %s\n", day.Format(dateFormat), value.StringFixed(6))
	}
	return nil
}

func closesFetcher(client *bitmex.Client, symbol string) fetch.WindowFetcher {
	return func(ctx context.Context, start, end time.Time) ([]models.Observation, error) {
		return client.DailyCloses(ctx, symbol, start, end)
	}
}

func sortedDays(series models.BasisSeries) []time.Time {
	days := make([]time.Time, 0, len(series))
	for day := range series {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func exitCodeFor(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return exitInterrupt
	}
	if apperrors.IsTransient(err) {
		return exitConnectionErr
	}
	return exitDataError
}

func resolveWindow(flags *basisFlags, cfg *config.AppConfig) (time.Time, int, error) {
	if flags.Start != "" || flags.End != "" {
		if flags.Start == "" || flags.End == "" {
			return time.Time{}, 0, fmt.Errorf("--start and --end must be given together")
		}
		start, err := time.Parse(dateFormat, flags.Start)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid start date format, use YYYY-MM-DD: %w", err)
		}
		end, err := time.Parse(dateFormat, flags.End)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid end date format, use YYYY-MM-DD: %w", err)
		}
		if start.After(end) {
			return time.Time{}, 0, fmt.Errorf("start date cannot be after end date")
		}
		return start, int(end.Sub(start).Hours()/24) + 1, nil
	}

	days := flags.Days
	if days <= 0 {
		days = cfg.Basis.LookbackYears * 365
	}
	// The lookback window ends yesterday; today's settlement is not final yet.
	end := models.DateOf(time.Now().UTC()).AddDate(0, 0, -1)
	return end.AddDate(0, 0, -days), days, nil
}

func parseFlags(args []string) (*basisFlags, error) {
	flags := &basisFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--days", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--days requires a value")
			}
			days, err := strconv.Atoi(args[i+1])
			if err != nil || days <= 0 {
				return nil, fmt.Errorf("invalid --days value: %s", args[i+1])
			}
			flags.Days = days
			i++
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
		case "--remote-lifecycle", "-r":
			flags.RemoteLifecycle = true
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
	fmt.Printf(`%s - annualized basis rates for BitMEX quarterly futures

Usage:
  %s [flags]

Flags:
  -d, --days N             Lookback window in days (default: 4 years)
  -s, --start DATE         Window start (YYYY-MM-DD), requires --end
  -e, --end DATE           Window end (YYYY-MM-DD), requires --start
  -r, --remote-lifecycle   Resolve contract expiries from the instrument API
                           instead of the fixed quarterly calendar
  -c, --config PATH        JSON configuration file
  -h, --help               Show this help
  -v, --version            Show version

Examples:
  %s --days 730
  %s --start 2018-01-01 --end 2019-06-30 --remote-lifecycle
`, appName, appName, appName, appName)
}
