package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

func TestContractSymbols(t *testing.T) {
	t.Run("one symbol per quarter per overlapped year", func(t *testing.T) {
		start := time.Date(2018, 11, 1, 0, 0, 0, 0, time.UTC)
		symbols := ContractSymbols("XBT", start, 120) // spills into 2019

		assert.ElementsMatch(t, []string{
			"XBTH18", "XBTM18", "XBTU18", "XBTZ18",
			"XBTH19", "XBTM19", "XBTU19", "XBTZ19",
		}, symbols)
	})

	t.Run("single year range", func(t *testing.T) {
		start := time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC)
		symbols := ContractSymbols("XBT", start, 30)
		assert.Len(t, symbols, 4)
	})
}

func TestCalendarResolver(t *testing.T) {
	r := NewCalendarResolver("XBT")
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	contracts, err := r.Resolve(context.Background(), start, 60)
	require.NoError(t, err)
	require.Len(t, contracts, 4)

	tests := []struct {
		symbol string
		expiry time.Time
	}{
		{"XBTH19", time.Date(2019, 3, 27, 0, 0, 0, 0, time.UTC)},
		{"XBTM19", time.Date(2019, 6, 27, 0, 0, 0, 0, time.UTC)},
		{"XBTU19", time.Date(2019, 9, 27, 0, 0, 0, 0, time.UTC)},
		{"XBTZ19", time.Date(2019, 12, 27, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			contract, ok := contracts[tt.symbol]
			require.True(t, ok)
			assert.Equal(t, tt.expiry, contract.Expiry)
			assert.True(t, contract.Listing.IsZero(), "calendar strategy does not compute listing")
		})
	}
}

// fakeInstrumentFetcher serves canned instrument details and counts lookups.
type fakeInstrumentFetcher struct {
	details map[string]*models.AssetDetail
	failing map[string]error
	calls   map[string]int
}

func (f *fakeInstrumentFetcher) Instrument(_ context.Context, symbol string) (*models.AssetDetail, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[symbol]++
	if err, ok := f.failing[symbol]; ok {
		return nil, err
	}
	d, ok := f.details[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return d, nil
}

func futuresDetail(symbol string, listing, expiry time.Time) *models.AssetDetail {
	return &models.AssetDetail{
		Symbol:     symbol,
		RootSymbol: "XBT",
		Underlying: "XBT",
		TickSize:   decimal.RequireFromString("0.5"),
		Listing:    listing,
		Expiry:     &expiry,
	}
}

func TestRemoteResolver(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	listing := time.Date(2018, 12, 17, 4, 0, 0, 0, time.UTC)
	newFetcher := func() *fakeInstrumentFetcher {
		return &fakeInstrumentFetcher{
			details: map[string]*models.AssetDetail{
				"XBTH19": futuresDetail("XBTH19", listing, time.Date(2019, 3, 29, 12, 0, 0, 0, time.UTC)),
				"XBTM19": futuresDetail("XBTM19", listing, time.Date(2019, 6, 28, 12, 0, 0, 0, time.UTC)),
				"XBTU19": futuresDetail("XBTU19", listing, time.Date(2019, 9, 27, 12, 0, 0, 0, time.UTC)),
				"XBTZ19": futuresDetail("XBTZ19", listing, time.Date(2019, 12, 27, 12, 0, 0, 0, time.UTC)),
			},
		}
	}

	t.Run("resolves authoritative listing and expiry", func(t *testing.T) {
		r := NewRemoteResolver(newFetcher(), "XBT")
		contracts, err := r.Resolve(ctx, start, 60)
		require.NoError(t, err)
		require.Len(t, contracts, 4)

		c := contracts["XBTH19"]
		assert.Equal(t, time.Date(2018, 12, 17, 0, 0, 0, 0, time.UTC), c.Listing)
		assert.Equal(t, time.Date(2019, 3, 29, 0, 0, 0, 0, time.UTC), c.Expiry)
	})

	t.Run("same key space as calendar strategy", func(t *testing.T) {
		remote := NewRemoteResolver(newFetcher(), "XBT")
		calendar := NewCalendarResolver("XBT")

		remoteContracts, err := remote.Resolve(ctx, start, 60)
		require.NoError(t, err)
		calendarContracts, err := calendar.Resolve(ctx, start, 60)
		require.NoError(t, err)

		remoteKeys := make([]string, 0, len(remoteContracts))
		for k := range remoteContracts {
			remoteKeys = append(remoteKeys, k)
		}
		calendarKeys := make([]string, 0, len(calendarContracts))
		for k := range calendarContracts {
			calendarKeys = append(calendarKeys, k)
		}
		assert.ElementsMatch(t, remoteKeys, calendarKeys)
	})

	t.Run("caches lookups across resolutions", func(t *testing.T) {
		fetcher := newFetcher()
		r := NewRemoteResolver(fetcher, "XBT")

		_, err := r.Resolve(ctx, start, 60)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, start, 60)
		require.NoError(t, err)

		for symbol, calls := range fetcher.calls {
			assert.Equal(t, 1, calls, "symbol %s fetched more than once", symbol)
		}
	})

	t.Run("lookup failure is fatal and names the symbol", func(t *testing.T) {
		fetcher := newFetcher()
		fetcher.failing = map[string]error{"XBTM19": errors.New("status 503")}

		r := NewRemoteResolver(fetcher, "XBT")
		_, err := r.Resolve(ctx, start, 60)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "XBTM19")
	})

	t.Run("instrument without expiry is rejected", func(t *testing.T) {
		fetcher := newFetcher()
		fetcher.details["XBTH19"] = &models.AssetDetail{
			Symbol: "XBTH19", RootSymbol: "XBT", Listing: listing,
		}

		r := NewRemoteResolver(fetcher, "XBT")
		_, err := r.Resolve(ctx, start, 60)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no expiry")
	})
}
