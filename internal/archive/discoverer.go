package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
)

const (
	// Root listing page of the BitMEX public data archive.
	defaultRootURL = "https://public.bitmex.com"

	// Keyword identifying the trade archive link on the root page.
	defaultKeyword = "trade"

	// Render attempt budget per page; the render wait grows by one step per
	// attempt, starting at zero.
	defaultMaxAttempts = 20

	// Base step for the per-attempt render wait.
	defaultWaitStep = time.Second

	archiveSuffix = ".csv.gz"

	// Dates embedded in archive filenames, e.g. 20190102.csv.gz. The fixed
	// width makes lexicographic link order chronological.
	filenameDateFormat = "20060102"

	component = "archive"
)

// Discoverer resolves the trade archive's current location and enumerates its
// dated files. Resolution results are cached per instance: the archive moves
// rarely, never within one run.
type Discoverer struct {
	renderer    PageRenderer
	rootURL     string
	keyword     string
	maxAttempts int
	waitStep    time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	cachedLinks []string
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithRootURL overrides the archive root page URL.
func WithRootURL(u string) DiscovererOption {
	return func(d *Discoverer) { d.rootURL = u }
}

// WithKeyword overrides the keyword scanned for on the root page.
func WithKeyword(k string) DiscovererOption {
	return func(d *Discoverer) { d.keyword = k }
}

// WithMaxAttempts overrides the render attempt budget.
func WithMaxAttempts(n int) DiscovererOption {
	return func(d *Discoverer) { d.maxAttempts = n }
}

// WithWaitStep overrides the per-attempt render wait increment.
func WithWaitStep(step time.Duration) DiscovererOption {
	return func(d *Discoverer) { d.waitStep = step }
}

// WithDiscovererLogger sets a custom logger.
func WithDiscovererLogger(logger *slog.Logger) DiscovererOption {
	return func(d *Discoverer) { d.logger = logger }
}

// NewDiscoverer creates a Discoverer over the given renderer.
func NewDiscoverer(renderer PageRenderer, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		renderer:    renderer,
		rootURL:     defaultRootURL,
		keyword:     defaultKeyword,
		maxAttempts: defaultMaxAttempts,
		waitStep:    defaultWaitStep,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiscoverFiles returns the archive file URLs whose embedded date falls
// within [start, end] inclusive, sorted chronologically.
func (d *Discoverer) DiscoverFiles(ctx context.Context, start, end time.Time) ([]string, error) {
	links, err := d.archiveLinks(ctx)
	if err != nil {
		return nil, err
	}

	startDay := dayOf(start)
	endDay := dayOf(end)

	var filtered []string
	for _, link := range links {
		fileDate, ok := parseFileDate(link)
		if !ok {
			continue
		}
		if fileDate.Before(startDay) || fileDate.After(endDay) {
			continue
		}
		filtered = append(filtered, link)
	}

	sort.Strings(filtered)
	d.logger.Debug("discovered archive files",
		"start", startDay.Format("2006-01-02"),
		"end", endDay.Format("2006-01-02"),
		"files", len(filtered))
	return filtered, nil
}

// LatestFiles returns the last n archive files in chronological order,
// irrespective of date. Used when no explicit date range is supplied.
func (d *Discoverer) LatestFiles(ctx context.Context, n int) ([]string, error) {
	links, err := d.archiveLinks(ctx)
	if err != nil {
		return nil, err
	}

	var dated []string
	for _, link := range links {
		if _, ok := parseFileDate(link); ok {
			dated = append(dated, link)
		}
	}
	sort.Strings(dated)

	if n < len(dated) {
		dated = dated[len(dated)-n:]
	}
	return dated, nil
}

// archiveLinks resolves the archive listing and returns its raw links,
// caching the result for the lifetime of the Discoverer.
func (d *Discoverer) archiveLinks(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cachedLinks != nil {
		return d.cachedLinks, nil
	}

	listingURL, err := d.resolveListingURL(ctx)
	if err != nil {
		return nil, err
	}

	links, err := d.renderUntilLinks(ctx, listingURL)
	if err != nil {
		return nil, err
	}

	d.cachedLinks = links
	return links, nil
}

// resolveListingURL renders the root page and scans its links for the
// archive keyword, retrying with an increasing render wait.
func (d *Discoverer) resolveListingURL(ctx context.Context) (string, error) {
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		links, err := d.renderOnce(ctx, d.rootURL, attempt)
		if err != nil {
			return "", err
		}
		for _, link := range links {
			if strings.Contains(link, d.keyword) {
				d.logger.Debug("resolved archive listing", "url", link, "attempt", attempt+1)
				return link, nil
			}
		}
	}

	return "", apperrors.New(apperrors.ErrorTypeDiscovery, component, "resolve listing",
		fmt.Errorf("no link containing %q found on %s after %d attempts", d.keyword, d.rootURL, d.maxAttempts))
}

// renderUntilLinks renders the listing page until at least one link appears.
func (d *Discoverer) renderUntilLinks(ctx context.Context, listingURL string) ([]string, error) {
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		links, err := d.renderOnce(ctx, listingURL, attempt)
		if err != nil {
			return nil, err
		}
		if len(links) > 0 {
			return links, nil
		}
	}

	return nil, apperrors.New(apperrors.ErrorTypeDiscovery, component, "enumerate files",
		fmt.Errorf("no links found on %s after %d attempts", listingURL, d.maxAttempts))
}

// renderOnce performs one render attempt. Transient render failures are
// swallowed so the attempt budget governs them; anything else is fatal.
func (d *Discoverer) renderOnce(ctx context.Context, pageURL string, attempt int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := time.Duration(attempt) * d.waitStep
	links, err := d.renderer.Render(ctx, pageURL, wait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperrors.IsTransient(err) {
			d.logger.Warn("render attempt failed",
				"url", pageURL, "attempt", attempt+1, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	return links, nil
}

// parseFileDate extracts the YYYYMMDD date from an archive file URL.
func parseFileDate(link string) (time.Time, bool) {
	if !strings.HasSuffix(link, archiveSuffix) {
		return time.Time{}, false
	}
	name := link[strings.LastIndex(link, "/")+1:]
	name = strings.TrimSuffix(name, archiveSuffix)

	t, err := time.Parse(filenameDateFormat, name)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
