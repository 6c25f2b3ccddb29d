package basis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seriesOf(points map[time.Time]string) *models.DailySeries {
	s := models.NewDailySeries()
	for t, v := range points {
		s.Set(t, decimal.RequireFromString(v))
	}
	return s
}

func TestComputeAnnualizedBasis(t *testing.T) {
	// 73 days before expiry with a 5% premium annualizes to exactly 0.25.
	expiry := day(2019, time.March, 27)
	obs := day(2019, time.January, 13)
	require.Equal(t, 73, int(expiry.Sub(obs).Hours()/24))

	futures := seriesOf(map[time.Time]string{obs: "10500"})
	index := seriesOf(map[time.Time]string{obs: "10000"})

	result := Compute(expiry, futures, index)

	require.Len(t, result, 1)
	point, ok := result[obs]
	require.True(t, ok)
	assert.False(t, point.Missing)
	assert.True(t, point.Value.Equal(decimal.RequireFromString("0.25")),
		"got %s", point.Value)
}

func TestComputeExcludesExpiredDays(t *testing.T) {
	expiry := day(2019, time.March, 27)
	onExpiry := expiry
	afterExpiry := day(2019, time.March, 28)
	before := day(2019, time.March, 26)

	futures := seriesOf(map[time.Time]string{
		before:      "10100",
		onExpiry:    "10100",
		afterExpiry: "10100",
	})
	index := seriesOf(map[time.Time]string{
		before:      "10000",
		onExpiry:    "10000",
		afterExpiry: "10000",
	})

	result := Compute(expiry, futures, index)

	require.Len(t, result, 1)
	_, ok := result[onExpiry]
	assert.False(t, ok, "expiry day must be absent, not marked missing")
	_, ok = result[afterExpiry]
	assert.False(t, ok)
	_, ok = result[before]
	assert.True(t, ok)
}

func TestComputeMarksMissingIndexDays(t *testing.T) {
	expiry := day(2019, time.March, 27)
	covered := day(2019, time.January, 13)
	uncovered := day(2019, time.January, 14)

	futures := seriesOf(map[time.Time]string{
		covered:   "10500",
		uncovered: "10510",
	})
	index := seriesOf(map[time.Time]string{covered: "10000"})

	result := Compute(expiry, futures, index)

	require.Len(t, result, 2)
	assert.False(t, result[covered].Missing)
	assert.True(t, result[uncovered].Missing)
	assert.True(t, result[uncovered].Value.IsZero())
}

func TestComputeNegativeBasis(t *testing.T) {
	// Backwardation: futures below index yields a negative basis.
	expiry := day(2019, time.March, 27)
	obs := day(2019, time.January, 13)

	futures := seriesOf(map[time.Time]string{obs: "9500"})
	index := seriesOf(map[time.Time]string{obs: "10000"})

	result := Compute(expiry, futures, index)

	require.Len(t, result, 1)
	assert.True(t, result[obs].Value.IsNegative())
	assert.True(t, result[obs].Value.Equal(decimal.RequireFromString("-0.25")),
		"got %s", result[obs].Value)
}

func TestComputeDoesNotMutateInputs(t *testing.T) {
	expiry := day(2019, time.March, 27)
	obs := day(2019, time.January, 13)

	futures := seriesOf(map[time.Time]string{obs: "10500"})
	index := models.NewDailySeries()

	Compute(expiry, futures, index)

	assert.Equal(t, 1, futures.Len())
	assert.Equal(t, 0, index.Len())
}

func TestComputeEmptyFutures(t *testing.T) {
	result := Compute(day(2019, time.March, 27), models.NewDailySeries(), models.NewDailySeries())
	assert.Empty(t, result)
}
