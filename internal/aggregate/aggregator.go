package aggregate

import (
	"io"
	"sort"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// bucketKey identifies one aggregation bucket: a symbol and the truncated
// start of its period.
type bucketKey struct {
	symbol string
	start  time.Time
}

// accumulator folds the ticks of one bucket. Open and close follow timestamp
// order, not arrival order, so shuffled input within a bucket aggregates
// identically to sorted input.
type accumulator struct {
	firstSeen time.Time
	lastSeen  time.Time
	candle    models.Candle
}

func (a *accumulator) add(t models.Tick) {
	if a.firstSeen.IsZero() || t.Timestamp.Before(a.firstSeen) {
		a.firstSeen = t.Timestamp
		a.candle.Open = t.Price
	}
	if a.lastSeen.IsZero() || !t.Timestamp.Before(a.lastSeen) {
		a.lastSeen = t.Timestamp
		a.candle.Close = t.Price
	}
	if t.Price.GreaterThan(a.candle.High) {
		a.candle.High = t.Price
	}
	if t.Price.LessThan(a.candle.Low) {
		a.candle.Low = t.Price
	}
	a.candle.Volume = a.candle.Volume.Add(t.Size)
}

// Aggregate consumes one tick source to exhaustion and returns its candles,
// grouped by symbol and ordered by period start within each symbol. The
// source is read exactly once; any tick error aborts the pass.
func Aggregate(source TickSource, granularity models.Granularity) ([]models.Candle, error) {
	buckets := make(map[bucketKey]*accumulator)

	for {
		tick, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		key := bucketKey{symbol: tick.Symbol, start: granularity.BucketStart(tick.Timestamp)}
		acc, ok := buckets[key]
		if !ok {
			acc = &accumulator{
				candle: models.Candle{
					Symbol:      tick.Symbol,
					PeriodStart: key.start,
					High:        tick.Price,
					Low:         tick.Price,
				},
			}
			buckets[key] = acc
		}
		acc.add(tick)
	}

	candles := make([]models.Candle, 0, len(buckets))
	for _, acc := range buckets {
		candles = append(candles, acc.candle)
	}
	sort.Slice(candles, func(i, j int) bool {
		if candles[i].Symbol != candles[j].Symbol {
			return candles[i].Symbol < candles[j].Symbol
		}
		return candles[i].PeriodStart.Before(candles[j].PeriodStart)
	})

	return candles, nil
}

// AggregateArchive runs one aggregation pass over a gzip-compressed trade
// CSV, the exact format served by the public archive.
func AggregateArchive(r io.Reader, granularity models.Granularity) ([]models.Candle, error) {
	reader, err := NewArchiveTickReader(r)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return Aggregate(reader, granularity)
}

// Symbols returns the distinct symbols present in a candle set, in first
// occurrence order. Used to drive asset detail lookups after a pass.
func Symbols(candles []models.Candle) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, c := range candles {
		if !seen[c.Symbol] {
			seen[c.Symbol] = true
			symbols = append(symbols, c.Symbol)
		}
	}
	return symbols
}
