package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   map[string]*atomic.Int64
	failing map[string]error
	delay   time.Duration
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		calls:   make(map[string]*atomic.Int64),
		failing: make(map[string]error),
	}
}

func (f *stubFetcher) counter(symbol string) *atomic.Int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[symbol]
	if !ok {
		c = &atomic.Int64{}
		f.calls[symbol] = c
	}
	return c
}

func (f *stubFetcher) Instrument(_ context.Context, symbol string) (*models.AssetDetail, error) {
	f.counter(symbol).Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	err := f.failing[symbol]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	expiry := time.Date(2019, time.September, 27, 12, 0, 0, 0, time.UTC)
	return &models.AssetDetail{
		Symbol:     symbol,
		RootSymbol: "XBT",
		Underlying: "XBT",
		TickSize:   decimal.RequireFromString("0.5"),
		Multiplier: decimal.NewFromInt(1),
		Listing:    time.Date(2019, time.March, 15, 12, 0, 0, 0, time.UTC),
		Expiry:     &expiry,
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheFetchesOncePerSymbol(t *testing.T) {
	fetcher := newStubFetcher()
	cache := NewCache(fetcher, testLogger())
	ctx := context.Background()

	first, err := cache.Get(ctx, "XBTU19")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "XBTU19")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), fetcher.counter("XBTU19").Load())
	assert.Equal(t, 1, cache.Len())
}

func TestCacheCoalescesConcurrentLookups(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.delay = 20 * time.Millisecond
	cache := NewCache(fetcher, testLogger())
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*models.AssetDetail, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			detail, err := cache.Get(ctx, "XBTU19")
			assert.NoError(t, err)
			results[i] = detail
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetcher.counter("XBTU19").Load(),
		"concurrent lookups for one symbol must issue a single remote call")
	for i := 1; i < workers; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestCacheDoesNotCacheFailures(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.failing["XBTM19"] = fmt.Errorf("instrument lookup rejected")
	cache := NewCache(fetcher, testLogger())
	ctx := context.Background()

	_, err := cache.Get(ctx, "XBTM19")
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	// Clearing the failure lets a later request succeed.
	fetcher.mu.Lock()
	delete(fetcher.failing, "XBTM19")
	fetcher.mu.Unlock()

	detail, err := cache.Get(ctx, "XBTM19")
	require.NoError(t, err)
	assert.Equal(t, "XBTM19", detail.Symbol)
	assert.Equal(t, int64(2), fetcher.counter("XBTM19").Load())
}

func TestCacheRejectsInvalidDetail(t *testing.T) {
	fetcher := newStubFetcher()
	cache := NewCache(&invalidFetcher{inner: fetcher}, testLogger())

	_, err := cache.Get(context.Background(), "XBTU19")
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, 0, cache.Len())
}

type invalidFetcher struct {
	inner *stubFetcher
}

func (f *invalidFetcher) Instrument(ctx context.Context, symbol string) (*models.AssetDetail, error) {
	detail, err := f.inner.Instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	detail.Symbol = ""
	return detail, nil
}

func TestCacheGetAllPreservesOrder(t *testing.T) {
	fetcher := newStubFetcher()
	cache := NewCache(fetcher, testLogger())

	symbols := []string{"XBTH19", "XBTM19", "XBTU19"}
	details, err := cache.GetAll(context.Background(), symbols)
	require.NoError(t, err)
	require.Len(t, details, 3)
	for i, symbol := range symbols {
		assert.Equal(t, symbol, details[i].Symbol)
	}
}
