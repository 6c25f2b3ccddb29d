package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
	"github.com/johnayoung/go-bitmex-collector/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func archiveBytes(t *testing.T, csvBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func tradeCSV(day string, symbol string, prices ...string) string {
	body := "timestamp,symbol,side,size,price,tickDirection\n"
	for i, price := range prices {
		body += fmt.Sprintf("%sD12:%02d:00.000000,%s,Buy,100,%s,PlusTick\n", day, i, symbol, price)
	}
	return body
}

// fakeDiscoverer serves a fixed URL list and records the requested range.
type fakeDiscoverer struct {
	urls  []string
	err   error
	start time.Time
	end   time.Time
	lastN int
}

func (f *fakeDiscoverer) DiscoverFiles(_ context.Context, start, end time.Time) ([]string, error) {
	f.start, f.end = start, end
	return f.urls, f.err
}

func (f *fakeDiscoverer) LatestFiles(_ context.Context, n int) ([]string, error) {
	f.lastN = n
	return f.urls, f.err
}

// fakeDownloader serves canned archive bytes per URL, optionally failing a
// number of times first.
type fakeDownloader struct {
	mu       sync.Mutex
	archives map[string][]byte
	failures map[string]int
	failWith error
	calls    map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		archives: make(map[string][]byte),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (f *fakeDownloader) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if f.failures[url] > 0 {
		f.failures[url]--
		err := f.failWith
		if err == nil {
			err = apperrors.New(apperrors.ErrorTypeTransient, "pipeline", "download",
				fmt.Errorf("simulated outage"))
		}
		return nil, err
	}
	body, ok := f.archives[url]
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeRemote, "pipeline", "download",
			fmt.Errorf("unknown archive %s", url))
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// fakeResolver returns canned asset metadata for every requested symbol.
type fakeResolver struct {
	err   error
	calls [][]string
}

func (f *fakeResolver) GetAll(_ context.Context, symbols []string) ([]*models.AssetDetail, error) {
	f.calls = append(f.calls, symbols)
	if f.err != nil {
		return nil, f.err
	}
	details := make([]*models.AssetDetail, 0, len(symbols))
	for _, symbol := range symbols {
		expiry := time.Date(2019, time.September, 27, 12, 0, 0, 0, time.UTC)
		details = append(details, &models.AssetDetail{
			Symbol:     symbol,
			RootSymbol: "XBT",
			Underlying: "XBT",
			TickSize:   decimal.RequireFromString("0.5"),
			Multiplier: decimal.NewFromInt(1),
			Listing:    time.Date(2019, time.March, 15, 0, 0, 0, 0, time.UTC),
			Expiry:     &expiry,
		})
	}
	return details, nil
}

func newTestPipeline(discoverer *fakeDiscoverer, downloader *fakeDownloader, sink storage.Sink, config Config) *Pipeline {
	config.Logger = testLogger()
	return New(discoverer, downloader, &fakeResolver{}, sink, config)
}

func TestPipelineRunPersistsBarsAndAssets(t *testing.T) {
	ctx := context.Background()
	discoverer := &fakeDiscoverer{urls: []string{"mem://20190701", "mem://20190702"}}
	downloader := newFakeDownloader()
	downloader.archives["mem://20190701"] = archiveBytes(t, tradeCSV("2019-07-01", "XBTU19", "10500", "10510", "10490"))
	downloader.archives["mem://20190702"] = archiveBytes(t, tradeCSV("2019-07-02", "XBTU19", "10520"))
	sink := storage.NewMemorySink()

	p := newTestPipeline(discoverer, downloader, sink, Config{
		Granularity: models.GranularityDay,
		Start:       time.Date(2019, time.July, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2019, time.July, 2, 0, 0, 0, 0, time.UTC),
	})

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Files)
	assert.Equal(t, 2, summary.Bars)
	assert.Equal(t, []string{"XBTU19"}, summary.Symbols)
	assert.NotEmpty(t, summary.RunID)

	bars, err := sink.Bars(ctx, "XBTU19", models.GranularityDay)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Candle.Open.Equal(decimal.RequireFromString("10500")))
	assert.True(t, bars[0].Candle.High.Equal(decimal.RequireFromString("10510")))
	assert.True(t, bars[0].Candle.Low.Equal(decimal.RequireFromString("10490")))
	assert.True(t, bars[0].Candle.Close.Equal(decimal.RequireFromString("10490")))

	assets, err := sink.Assets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "XBTU19", assets[0].Symbol)
}

func TestPipelineRetriesTransientDownloads(t *testing.T) {
	ctx := context.Background()
	discoverer := &fakeDiscoverer{urls: []string{"mem://20190701"}}
	downloader := newFakeDownloader()
	downloader.archives["mem://20190701"] = archiveBytes(t, tradeCSV("2019-07-01", "XBTU19", "10500"))
	downloader.failures["mem://20190701"] = 2
	sink := storage.NewMemorySink()

	p := newTestPipeline(discoverer, downloader, sink, Config{Granularity: models.GranularityDay, LastN: 1})

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Bars)
	assert.Equal(t, 3, downloader.calls["mem://20190701"], "two failures plus the success")
	assert.Equal(t, 1, discoverer.lastN)
}

func TestPipelineDoesNotRetryFatalErrors(t *testing.T) {
	ctx := context.Background()
	discoverer := &fakeDiscoverer{urls: []string{"mem://20190701"}}
	downloader := newFakeDownloader()
	downloader.failures["mem://20190701"] = 5
	downloader.failWith = apperrors.New(apperrors.ErrorTypeRemote, "pipeline", "download",
		fmt.Errorf("404 not found"))
	sink := storage.NewMemorySink()

	p := newTestPipeline(discoverer, downloader, sink, Config{Granularity: models.GranularityDay, LastN: 1})

	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, downloader.calls["mem://20190701"], "fatal errors must not be retried")
}

func TestPipelineFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	discoverer := &fakeDiscoverer{urls: []string{"mem://20190701", "mem://20190702"}}
	downloader := newFakeDownloader()
	downloader.archives["mem://20190701"] = archiveBytes(t, tradeCSV("2019-07-01", "XBTU19", "10500"))
	// Second archive is corrupt.
	downloader.archives["mem://20190702"] = []byte("not gzip at all")
	sink := storage.NewMemorySink()

	p := newTestPipeline(discoverer, downloader, sink, Config{Granularity: models.GranularityDay, LastN: 2})

	_, err := p.Run(ctx)
	require.Error(t, err)

	bars, err := sink.Bars(ctx, "XBTU19", models.GranularityDay)
	require.NoError(t, err)
	assert.Empty(t, bars, "a failed run must leave the sink untouched")
}

func TestPipelineEmptyDiscoveryFails(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(&fakeDiscoverer{}, newFakeDownloader(), storage.NewMemorySink(),
		Config{Granularity: models.GranularityDay, LastN: 3})

	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no archive files")
}

func TestPipelineMergesDuplicateBucketsAcrossFiles(t *testing.T) {
	ctx := context.Background()
	discoverer := &fakeDiscoverer{urls: []string{"mem://a", "mem://b"}}
	downloader := newFakeDownloader()
	// Both files carry ticks for the same day bucket.
	downloader.archives["mem://a"] = archiveBytes(t, tradeCSV("2019-07-01", "XBTU19", "10500", "10600"))
	downloader.archives["mem://b"] = archiveBytes(t, tradeCSV("2019-07-01", "XBTU19", "10400", "10550"))
	sink := storage.NewMemorySink()

	p := newTestPipeline(discoverer, downloader, sink, Config{Granularity: models.GranularityDay, LastN: 2})

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Bars)

	bars, err := sink.Bars(ctx, "XBTU19", models.GranularityDay)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Candle.Open.Equal(decimal.RequireFromString("10500")), "open from the earlier file")
	assert.True(t, bars[0].Candle.Close.Equal(decimal.RequireFromString("10550")), "close from the later file")
	assert.True(t, bars[0].Candle.High.Equal(decimal.RequireFromString("10600")))
	assert.True(t, bars[0].Candle.Low.Equal(decimal.RequireFromString("10400")))
	assert.True(t, bars[0].Candle.Volume.Equal(decimal.RequireFromString("400")))
}

func TestHTTPDownloader(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "archive body")
		}))
		defer server.Close()

		body, err := NewHTTPDownloader(testLogger()).Download(context.Background(), server.URL)
		require.NoError(t, err)
		defer body.Close()
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "archive body", string(data))
	})

	t.Run("server errors are transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewHTTPDownloader(testLogger()).Download(context.Background(), server.URL)
		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
	})

	t.Run("client errors are fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewHTTPDownloader(testLogger()).Download(context.Background(), server.URL)
		require.Error(t, err)
		assert.True(t, apperrors.IsFatal(err))
	})
}
