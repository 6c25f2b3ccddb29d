package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// MemorySink implements Sink entirely in memory. It mirrors the DuckDB sink's
// semantics, including all-or-nothing run writes, and is the default backend
// for tests and dry runs.
type MemorySink struct {
	mu     sync.RWMutex
	closed bool

	bars   map[string][]BarRecord // keyed by symbol + "/" + granularity
	assets map[int]*models.AssetDetail
	roots  map[string]RootSymbolRow
	runs   []string
}

// RootSymbolRow mirrors one row of the root_symbols table.
type RootSymbolRow struct {
	Exchange string
	ID       int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		bars:   make(map[string][]BarRecord),
		assets: make(map[int]*models.AssetDetail),
		roots:  make(map[string]RootSymbolRow),
	}
}

func barKey(symbol string, granularity models.Granularity) string {
	return symbol + "/" + granularity.String()
}

// Initialize implements Manager.Initialize.
func (m *MemorySink) Initialize(context.Context) error {
	return nil
}

// WriteRun implements RunWriter.WriteRun. Validation happens up front so a
// bad record leaves the sink untouched.
func (m *MemorySink) WriteRun(ctx context.Context, run *IngestRun) error {
	for i := range run.Candles {
		if err := run.Candles[i].Validate(); err != nil {
			return NewStorageError("insert", "bars", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}
	for _, asset := range run.Assets {
		if err := asset.Validate(); err != nil {
			return NewStorageError("insert", "futures", fmt.Errorf("invalid asset %s: %w", asset.Symbol, err))
		}
	}

	sids := AssignSids(assetSymbols(run))
	for _, candle := range run.Candles {
		if _, ok := sids[candle.Symbol]; !ok {
			return NewStorageError("insert", "bars",
				fmt.Errorf("no asset metadata for symbol %s", candle.Symbol))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("insert", "", fmt.Errorf("sink is closed"))
	}

	for _, candle := range run.Candles {
		key := barKey(candle.Symbol, run.Granularity)
		rec := BarRecord{
			Sid:         sids[candle.Symbol],
			Symbol:      candle.Symbol,
			PeriodStart: candle.PeriodStart.UTC(),
			Candle:      candle,
		}
		m.bars[key] = upsertBar(m.bars[key], rec)
	}

	// Only expiring contracts get futures metadata; perpetuals and indices
	// contribute bars and a sid but no futures or root symbol row.
	for _, asset := range run.Assets {
		if !asset.IsFuture() {
			continue
		}
		copied := *asset
		m.assets[sids[asset.Symbol]] = &copied
		m.roots[asset.RootSymbol] = RootSymbolRow{
			Exchange: ExchangeName,
			ID:       RootSymbolID(asset.RootSymbol),
		}
	}

	m.runs = append(m.runs, run.ID)
	return nil
}

// upsertBar replaces the record sharing rec's period start, or inserts it in
// period order.
func upsertBar(records []BarRecord, rec BarRecord) []BarRecord {
	idx := sort.Search(len(records), func(i int) bool {
		return !records[i].PeriodStart.Before(rec.PeriodStart)
	})
	if idx < len(records) && records[idx].PeriodStart.Equal(rec.PeriodStart) {
		records[idx] = rec
		return records
	}
	records = append(records, BarRecord{})
	copy(records[idx+1:], records[idx:])
	records[idx] = rec
	return records
}

// Bars implements BarReader.Bars.
func (m *MemorySink) Bars(_ context.Context, symbol string, granularity models.Granularity) ([]BarRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("query", "bars", fmt.Errorf("sink is closed"))
	}
	records := m.bars[barKey(symbol, granularity)]
	out := make([]BarRecord, len(records))
	copy(out, records)
	return out, nil
}

// Assets implements BarReader.Assets.
func (m *MemorySink) Assets(context.Context) ([]*models.AssetDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("query", "futures", fmt.Errorf("sink is closed"))
	}

	sids := make([]int, 0, len(m.assets))
	for sid := range m.assets {
		sids = append(sids, sid)
	}
	sort.Ints(sids)

	assets := make([]*models.AssetDetail, 0, len(sids))
	for _, sid := range sids {
		copied := *m.assets[sid]
		assets = append(assets, &copied)
	}
	return assets, nil
}

// RootSymbols returns the persisted root symbol rows. Test helper surface not
// present on the Sink interface.
func (m *MemorySink) RootSymbols() map[string]RootSymbolRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]RootSymbolRow, len(m.roots))
	for k, v := range m.roots {
		out[k] = v
	}
	return out
}

// RunIDs returns the ids of persisted runs in write order.
func (m *MemorySink) RunIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.runs))
	copy(out, m.runs)
	return out
}

// HealthCheck implements Manager.HealthCheck.
func (m *MemorySink) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", fmt.Errorf("sink is closed"))
	}
	return nil
}

// Close implements Manager.Close.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Sink = (*MemorySink)(nil)
var _ Sink = (*DuckDBSink)(nil)
