// Package fetch implements windowed, paginated fetching of daily time series
// from rate-limited remote endpoints.
//
// A fetch walks a date cursor over [start, start+numDays], requesting bounded
// windows of at most the window cap per page. The cursor advances by the
// number of records each page returned, which compensates for sparse trading
// days: the next window re-covers any calendar days the previous page did not
// produce records for. Fetching terminates as soon as a page comes back
// empty, meaning no more historical data exists, regardless of the remaining
// window. Request pacing lives in the underlying client; this package never
// sleeps and never retries.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// DefaultMaxWindowDays is the hard cap on a single request window, imposed by
// the remote source.
const DefaultMaxWindowDays = 500

// WindowFetcher issues one bounded-window request and returns the dated
// records for [start, end]. An empty slice means no data exists at or after
// start. Implementations are expected to enforce their own request pacing.
type WindowFetcher func(ctx context.Context, start, end time.Time) ([]models.Observation, error)

// Page is one fetched window folded into a delta series.
type Page struct {
	// Start and End are the window bounds that produced this page.
	Start time.Time
	End   time.Time

	// Records is the number of records the page contained.
	Records int

	// Delta holds the page's records as a daily series.
	Delta *models.DailySeries
}

// SeriesStream is a pull-based iterator over fetch pages. It follows the
// bufio.Scanner idiom: Next advances and reports whether a page is
// available, Page returns it, and Err reports the terminal error, if any.
// A stream is finite and not restartable.
type SeriesStream struct {
	fetch   WindowFetcher
	cursor  time.Time
	final   time.Time
	maxDays int
	logger  *slog.Logger

	page Page
	done bool
	err  error
}

// StreamOption configures a SeriesStream.
type StreamOption func(*SeriesStream)

// WithMaxWindowDays overrides the per-request window cap.
func WithMaxWindowDays(days int) StreamOption {
	return func(s *SeriesStream) { s.maxDays = days }
}

// WithStreamLogger sets a custom logger.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *SeriesStream) { s.logger = logger }
}

// NewSeriesStream creates a stream over [startDate, startDate+numDays].
func NewSeriesStream(fetch WindowFetcher, startDate time.Time, numDays int, opts ...StreamOption) *SeriesStream {
	start := models.DateOf(startDate)
	s := &SeriesStream{
		fetch:   fetch,
		cursor:  start,
		final:   start.AddDate(0, 0, numDays),
		maxDays: DefaultMaxWindowDays,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next fetches the next page. It returns false when the stream is exhausted,
// the remote source reported no more data, the context was cancelled, or a
// fetch failed; Err distinguishes failure from clean termination.
// Cancellation is honored between pages, never mid-page.
func (s *SeriesStream) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	if s.cursor.After(s.final) {
		s.done = true
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}

	windowEnd := s.cursor.AddDate(0, 0, s.maxDays)
	if windowEnd.After(s.final) {
		windowEnd = s.final
	}

	records, err := s.fetch(ctx, s.cursor, windowEnd)
	if err != nil {
		s.err = fmt.Errorf("fetch window [%s, %s]: %w",
			s.cursor.Format("2006-01-02"), windowEnd.Format("2006-01-02"), err)
		return false
	}

	// An empty page means no more historical data exists; stop immediately
	// regardless of the remaining window.
	if len(records) == 0 {
		s.logger.Debug("empty page, stream terminated",
			"cursor", s.cursor.Format("2006-01-02"))
		s.done = true
		return false
	}

	delta := models.NewDailySeries()
	for _, rec := range records {
		delta.Set(rec.Date, rec.Value)
	}

	s.page = Page{Start: s.cursor, End: windowEnd, Records: len(records), Delta: delta}

	// Advance by the record count, not by calendar days. The cursor never
	// regresses: pages are non-empty, so this moves at least one day.
	s.cursor = s.cursor.AddDate(0, 0, len(records))
	return true
}

// Page returns the page produced by the last successful Next call.
func (s *SeriesStream) Page() Page {
	return s.page
}

// Err returns the terminal error, or nil if the stream ended cleanly.
func (s *SeriesStream) Err() error {
	return s.err
}

// FetchSeries pages through the full range and folds every page into one
// daily series. Any page failure aborts the fetch with no partial result.
func FetchSeries(ctx context.Context, fetch WindowFetcher, startDate time.Time, numDays int, opts ...StreamOption) (*models.DailySeries, error) {
	stream := NewSeriesStream(fetch, startDate, numDays, opts...)
	series := models.NewDailySeries()
	for stream.Next(ctx) {
		series.Merge(stream.Page().Delta)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return series, nil
}
