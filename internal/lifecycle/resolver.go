// Package lifecycle resolves the listing and expiry dates of quarterly
// futures contracts.
//
// Two interchangeable strategies share one contract: a deterministic
// calendar rule (fixed expiry day per quarterly month code, no network), and
// a remote lookup against the instrument endpoint for authoritative listing
// and expiry timestamps. Both produce the same key space: one entry per
// quarter per calendar year overlapping the requested range, keyed by
// contract symbol (root + quarter code + 2-digit year).
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// Quarterly month codes and their expiry months.
var quarterMonths = map[string]time.Month{
	"H": time.March,
	"M": time.June,
	"U": time.September,
	"Z": time.December,
}

// Quarterly contracts expire on a fixed day of the expiry month.
const expiryDayOfMonth = 27

// DefaultRootSymbol is the futures family resolved when none is specified.
const DefaultRootSymbol = "XBT"

// Resolver maps a date range to the quarterly contracts overlapping it.
type Resolver interface {
	// Resolve returns one ContractExpiration per quarter per calendar year
	// overlapping [startDate, startDate+numDays], keyed by contract symbol.
	Resolve(ctx context.Context, startDate time.Time, numDays int) (map[string]models.ContractExpiration, error)
}

// ContractSymbols returns the contract symbols for every quarter of every
// year overlapping [startDate, startDate+numDays], sorted for deterministic
// iteration. Symbols look like XBTH19: root, quarter code, 2-digit year.
func ContractSymbols(root string, startDate time.Time, numDays int) []string {
	endDate := startDate.AddDate(0, 0, numDays)

	var symbols []string
	for year := startDate.Year(); year <= endDate.Year(); year++ {
		suffix := year - 2000
		for code := range quarterMonths {
			symbols = append(symbols, fmt.Sprintf("%s%s%d", root, code, suffix))
		}
	}
	sort.Strings(symbols)
	return symbols
}

// contractQuarter recovers the expiry year and month from a contract symbol.
func contractQuarter(root, symbol string) (int, time.Month, error) {
	if len(symbol) != len(root)+3 {
		return 0, 0, fmt.Errorf("malformed contract symbol %q for root %q", symbol, root)
	}
	code := symbol[len(root) : len(root)+1]
	month, ok := quarterMonths[code]
	if !ok {
		return 0, 0, fmt.Errorf("unknown quarter code %q in symbol %q", code, symbol)
	}
	var suffix int
	if _, err := fmt.Sscanf(symbol[len(root)+1:], "%d", &suffix); err != nil {
		return 0, 0, fmt.Errorf("malformed year suffix in symbol %q: %w", symbol, err)
	}
	return 2000 + suffix, month, nil
}

// CalendarResolver derives expiry dates from the fixed expiry calendar.
// Listing dates are not computed; only expiry is needed downstream.
// Deterministic and network-free.
type CalendarResolver struct {
	root string
}

// NewCalendarResolver creates a calendar resolver for one futures family.
func NewCalendarResolver(root string) *CalendarResolver {
	if root == "" {
		root = DefaultRootSymbol
	}
	return &CalendarResolver{root: root}
}

// Resolve implements Resolver.
func (r *CalendarResolver) Resolve(_ context.Context, startDate time.Time, numDays int) (map[string]models.ContractExpiration, error) {
	contracts := make(map[string]models.ContractExpiration)
	for _, symbol := range ContractSymbols(r.root, startDate, numDays) {
		year, month, err := contractQuarter(r.root, symbol)
		if err != nil {
			return nil, err
		}
		contracts[symbol] = models.ContractExpiration{
			Symbol: symbol,
			Expiry: time.Date(year, month, expiryDayOfMonth, 0, 0, 0, 0, time.UTC),
		}
	}
	return contracts, nil
}

// InstrumentFetcher is the remote lookup the RemoteResolver depends on.
// *bitmex.Client satisfies it.
type InstrumentFetcher interface {
	Instrument(ctx context.Context, symbol string) (*models.AssetDetail, error)
}

// RemoteResolver queries the instrument endpoint per contract symbol for
// authoritative listing and expiry timestamps. Used when the calendar
// approximation is insufficient, such as when true listing dates matter.
// Results are cached for the resolver's lifetime; each remote call is
// independent and never retried.
type RemoteResolver struct {
	client InstrumentFetcher
	root   string

	mu    sync.Mutex
	cache map[string]models.ContractExpiration
}

// NewRemoteResolver creates a remote resolver for one futures family.
func NewRemoteResolver(client InstrumentFetcher, root string) *RemoteResolver {
	if root == "" {
		root = DefaultRootSymbol
	}
	return &RemoteResolver{
		client: client,
		root:   root,
		cache:  make(map[string]models.ContractExpiration),
	}
}

// Resolve implements Resolver. A lookup failure is fatal for that symbol and
// aborts the resolution with the failing symbol named.
func (r *RemoteResolver) Resolve(ctx context.Context, startDate time.Time, numDays int) (map[string]models.ContractExpiration, error) {
	contracts := make(map[string]models.ContractExpiration)
	for _, symbol := range ContractSymbols(r.root, startDate, numDays) {
		contract, err := r.resolveSymbol(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("resolve contract %s: %w", symbol, err)
		}
		contracts[symbol] = contract
	}
	return contracts, nil
}

func (r *RemoteResolver) resolveSymbol(ctx context.Context, symbol string) (models.ContractExpiration, error) {
	r.mu.Lock()
	cached, ok := r.cache[symbol]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	detail, err := r.client.Instrument(ctx, symbol)
	if err != nil {
		return models.ContractExpiration{}, err
	}
	if detail.Expiry == nil {
		return models.ContractExpiration{}, fmt.Errorf("instrument %s has no expiry", symbol)
	}

	contract := models.ContractExpiration{
		Symbol:  symbol,
		Listing: models.DateOf(detail.Listing),
		Expiry:  models.DateOf(*detail.Expiry),
	}

	r.mu.Lock()
	r.cache[symbol] = contract
	r.mu.Unlock()
	return contract, nil
}
