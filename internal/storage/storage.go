// Package storage defines the sink interfaces for aggregated bar data and
// futures metadata. Implementations provide all-or-nothing run persistence so
// a failed ingestion never leaves a partially written dataset behind.
package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// IngestRun is one complete unit of persistence: every bar and every asset
// produced by a single ingestion pass. A run is written atomically; readers
// never observe a subset of it.
type IngestRun struct {
	// ID is the unique run identifier, assigned by the pipeline.
	ID string

	// Granularity is the bar granularity shared by all candles in the run.
	Granularity models.Granularity

	// Candles holds the aggregated bars, ordered by (symbol, period start).
	Candles []models.Candle

	// Assets holds instrument metadata for every symbol appearing in Candles.
	Assets []*models.AssetDetail

	// StartedAt marks when the ingestion pass began.
	StartedAt time.Time
}

// BarRecord is one persisted bar keyed by security id rather than symbol.
type BarRecord struct {
	Sid         int
	Symbol      string
	PeriodStart time.Time
	Candle      models.Candle
}

// RunWriter persists complete ingestion runs.
type RunWriter interface {
	// WriteRun persists the run atomically. Either every bar, asset row and
	// root symbol lands, or none do.
	WriteRun(ctx context.Context, run *IngestRun) error
}

// BarReader retrieves persisted bars.
type BarReader interface {
	// Bars returns all bars for a symbol at the given granularity, ordered
	// by period start. An unknown symbol yields an empty slice.
	Bars(ctx context.Context, symbol string, granularity models.Granularity) ([]BarRecord, error)

	// Assets returns all persisted futures metadata ordered by sid.
	Assets(ctx context.Context) ([]*models.AssetDetail, error)
}

// Manager handles sink lifecycle concerns.
type Manager interface {
	// Initialize prepares the sink schema. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases the sink. The sink must not be used afterwards.
	Close() error

	// HealthCheck verifies the sink is reachable with a lightweight probe.
	HealthCheck(ctx context.Context) error
}

// Sink combines the full persistence surface a pipeline needs.
type Sink interface {
	RunWriter
	BarReader
	Manager
}

// AssignSids maps each distinct symbol to a stable small integer id. Symbols
// are numbered in lexicographic order so the assignment is deterministic for
// a given symbol set regardless of arrival order.
func AssignSids(symbols []string) map[string]int {
	distinct := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		distinct = append(distinct, s)
	}
	sort.Strings(distinct)

	sids := make(map[string]int, len(distinct))
	for i, s := range distinct {
		sids[s] = i
	}
	return sids
}

// ExchangeName labels every root symbol row. All instruments persisted here
// trade on BitMEX.
const ExchangeName = "BITMEX"

// RootSymbolID derives a stable numeric id for a futures root symbol. The id
// only needs to be consistent across runs for the same root, not dense.
func RootSymbolID(root string) int {
	h := fnv.New32a()
	h.Write([]byte(root))
	return int(h.Sum32() & 0x7FFFFFFF)
}

// AutoCloseDate is the first day after expiry on which positions in the
// contract are force-closed by downstream consumers.
func AutoCloseDate(expiry time.Time) time.Time {
	return models.DateOf(expiry).AddDate(0, 0, 1)
}

// StorageError wraps a failed sink operation with table context.
type StorageError struct {
	Operation string
	Table     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}
