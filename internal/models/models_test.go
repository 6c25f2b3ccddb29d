package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestGranularityBucketStart(t *testing.T) {
	ts := time.Date(2019, 6, 18, 14, 35, 22, 123456000, time.UTC)

	tests := []struct {
		name        string
		granularity Granularity
		want        time.Time
	}{
		{"day", GranularityDay, time.Date(2019, 6, 18, 0, 0, 0, 0, time.UTC)},
		{"hour", GranularityHour, time.Date(2019, 6, 18, 14, 0, 0, 0, time.UTC)},
		{"minute", GranularityMinute, time.Date(2019, 6, 18, 14, 35, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.granularity.BucketStart(ts))
		})
	}
}

func TestParseGranularity(t *testing.T) {
	t.Run("accepts known names", func(t *testing.T) {
		g, err := ParseGranularity("hour")
		require.NoError(t, err)
		assert.Equal(t, GranularityHour, g)
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		_, err := ParseGranularity("fortnight")
		assert.Error(t, err)
	})
}

func TestCandleValidate(t *testing.T) {
	valid := Candle{
		Symbol:      "XBTU19",
		PeriodStart: time.Date(2019, 6, 18, 0, 0, 0, 0, time.UTC),
		Open:        d("10100"),
		High:        d("10500"),
		Low:         d("10000"),
		Close:       d("10400"),
		Volume:      d("12345"),
	}

	t.Run("valid candle passes", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("high below close fails", func(t *testing.T) {
		c := valid
		c.High = d("10200")
		err := c.Validate()
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "high", verr.Field)
	})

	t.Run("low above open fails", func(t *testing.T) {
		c := valid
		c.Low = d("10300")
		assert.Error(t, c.Validate())
	})

	t.Run("negative volume fails", func(t *testing.T) {
		c := valid
		c.Volume = d("-1")
		assert.Error(t, c.Validate())
	})

	t.Run("empty symbol fails", func(t *testing.T) {
		c := valid
		c.Symbol = ""
		assert.Error(t, c.Validate())
	})
}

func TestDailySeries(t *testing.T) {
	t.Run("keeps insertion order and day uniqueness", func(t *testing.T) {
		s := NewDailySeries()
		s.Set(time.Date(2019, 1, 2, 12, 0, 0, 0, time.UTC), d("100"))
		s.Set(time.Date(2019, 1, 3, 0, 0, 0, 0, time.UTC), d("101"))
		// Same calendar day, different time of day: replaces the value.
		s.Set(time.Date(2019, 1, 2, 23, 59, 0, 0, time.UTC), d("102"))

		require.Equal(t, 2, s.Len())
		days := s.Days()
		assert.Equal(t, time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC), days[0])
		assert.Equal(t, time.Date(2019, 1, 3, 0, 0, 0, 0, time.UTC), days[1])

		v, ok := s.Get(time.Date(2019, 1, 2, 6, 0, 0, 0, time.UTC))
		require.True(t, ok)
		assert.True(t, v.Equal(d("102")))
	})

	t.Run("merge folds entries", func(t *testing.T) {
		a := NewDailySeries()
		a.Set(time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC), d("100"))

		b := NewDailySeries()
		b.Set(time.Date(2019, 1, 3, 0, 0, 0, 0, time.UTC), d("200"))

		a.Merge(b)
		assert.Equal(t, 2, a.Len())
	})

	t.Run("merge with nil is a no-op", func(t *testing.T) {
		a := NewDailySeries()
		a.Merge(nil)
		assert.Equal(t, 0, a.Len())
	})
}

func TestContractExpirationDaysToExpiry(t *testing.T) {
	c := ContractExpiration{
		Symbol: "XBTU19",
		Expiry: time.Date(2019, 9, 27, 12, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, 73, c.DaysToExpiry(time.Date(2019, 7, 16, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, c.DaysToExpiry(time.Date(2019, 9, 27, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, -1, c.DaysToExpiry(time.Date(2019, 9, 28, 0, 0, 0, 0, time.UTC)))
}

func TestAssetDetail(t *testing.T) {
	expiry := time.Date(2019, 9, 27, 12, 0, 0, 0, time.UTC)

	t.Run("future has expiry", func(t *testing.T) {
		a := AssetDetail{Symbol: "XBTU19", RootSymbol: "XBT", Listing: time.Now(), Expiry: &expiry}
		assert.True(t, a.IsFuture())
		assert.NoError(t, a.Validate())
	})

	t.Run("perpetual has no expiry", func(t *testing.T) {
		a := AssetDetail{Symbol: "XBTUSD", RootSymbol: "XBT", Listing: time.Now()}
		assert.False(t, a.IsFuture())
	})

	t.Run("missing root symbol fails validation", func(t *testing.T) {
		a := AssetDetail{Symbol: "XBTUSD", Listing: time.Now()}
		assert.Error(t, a.Validate())
	})
}
