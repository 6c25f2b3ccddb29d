package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// DuckDBSink implements Sink on a DuckDB database. Bars are keyed by security
// id and granularity; futures metadata and root symbols are upserted so
// re-ingesting an overlapping range is idempotent.
type DuckDBSink struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBSink opens a DuckDB sink. dbPath may be ":memory:" or a file path.
func NewDuckDBSink(dbPath string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBSink{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize implements Manager.Initialize.
func (d *DuckDBSink) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB sink", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"runs", `
		CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR PRIMARY KEY,
			granularity VARCHAR NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			bar_count INTEGER NOT NULL,
			asset_count INTEGER NOT NULL
		)`},
		{"bars", `
		CREATE TABLE IF NOT EXISTS bars (
			sid INTEGER NOT NULL,
			symbol VARCHAR NOT NULL,
			granularity VARCHAR NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			run_id VARCHAR NOT NULL,
			CONSTRAINT bars_pk PRIMARY KEY (sid, granularity, period_start),
			CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
			CONSTRAINT bars_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
			CONSTRAINT bars_volume_non_negative CHECK (volume >= 0)
		)`},
		{"futures", `
		CREATE TABLE IF NOT EXISTS futures (
			sid INTEGER PRIMARY KEY,
			symbol VARCHAR NOT NULL,
			root_symbol VARCHAR NOT NULL,
			underlying VARCHAR NOT NULL,
			tick_size DOUBLE NOT NULL,
			multiplier DOUBLE NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			expiration_date TIMESTAMPTZ,
			auto_close_date TIMESTAMPTZ
		)`},
		{"root_symbols", `
		CREATE TABLE IF NOT EXISTS root_symbols (
			root_symbol VARCHAR PRIMARY KEY,
			exchange VARCHAR NOT NULL,
			root_symbol_id INTEGER NOT NULL
		)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_bars_symbol ON bars (symbol, granularity)",
		"CREATE INDEX IF NOT EXISTS idx_bars_period ON bars (period_start)",
	}
	for _, query := range indexes {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return NewStorageError("initialize", "bars", fmt.Errorf("failed to create index: %w", err))
		}
	}

	d.logger.Info("DuckDB sink initialized")
	return nil
}

// WriteRun implements RunWriter.WriteRun. The whole run is written inside one
// transaction; any failure rolls everything back.
func (d *DuckDBSink) WriteRun(ctx context.Context, run *IngestRun) error {
	start := time.Now()

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

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("insert", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := d.writeBars(ctx, tx, run, sids); err != nil {
		return err
	}
	if err := d.writeAssets(ctx, tx, run, sids); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, granularity, started_at, completed_at, bar_count, asset_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Granularity.String(), run.StartedAt.UTC(), time.Now().UTC(),
		len(run.Candles), len(run.Assets))
	if err != nil {
		return NewStorageError("insert", "runs", err)
	}

	if err := tx.Commit(); err != nil {
		return NewStorageError("insert", "", fmt.Errorf("failed to commit run: %w", err))
	}

	d.logger.Info("run persisted",
		"run_id", run.ID,
		"bars", len(run.Candles),
		"assets", len(run.Assets),
		"duration", time.Since(start))
	return nil
}

func (d *DuckDBSink) writeBars(ctx context.Context, tx *sql.Tx, run *IngestRun, sids map[string]int) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO bars
		 (sid, symbol, granularity, period_start, open, high, low, close, volume, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return NewStorageError("insert", "bars", err)
	}
	defer stmt.Close()

	granularity := run.Granularity.String()
	for _, candle := range run.Candles {
		sid, ok := sids[candle.Symbol]
		if !ok {
			return NewStorageError("insert", "bars",
				fmt.Errorf("no asset metadata for symbol %s", candle.Symbol))
		}
		open, _ := candle.Open.Float64()
		high, _ := candle.High.Float64()
		low, _ := candle.Low.Float64()
		closePrice, _ := candle.Close.Float64()
		volume, _ := candle.Volume.Float64()

		if _, err := stmt.ExecContext(ctx,
			sid, candle.Symbol, granularity, candle.PeriodStart.UTC(),
			open, high, low, closePrice, volume, run.ID); err != nil {
			return NewStorageError("insert", "bars",
				fmt.Errorf("failed to insert bar %s@%s: %w", candle.Symbol, candle.PeriodStart, err))
		}
	}
	return nil
}

func (d *DuckDBSink) writeAssets(ctx context.Context, tx *sql.Tx, run *IngestRun, sids map[string]int) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO futures
		 (sid, symbol, root_symbol, underlying, tick_size, multiplier, start_date, expiration_date, auto_close_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return NewStorageError("insert", "futures", err)
	}
	defer stmt.Close()

	// Perpetual swaps and indices carry no expiry and get no futures row;
	// their bars still persist because sids cover every symbol in the run.
	roots := make(map[string]struct{})
	for _, asset := range run.Assets {
		if !asset.IsFuture() {
			continue
		}
		tickSize, _ := asset.TickSize.Float64()
		multiplier, _ := asset.Multiplier.Float64()

		if _, err := stmt.ExecContext(ctx,
			sids[asset.Symbol], asset.Symbol, asset.RootSymbol, asset.Underlying,
			tickSize, multiplier, asset.Listing.UTC(),
			asset.Expiry.UTC(), AutoCloseDate(*asset.Expiry)); err != nil {
			return NewStorageError("insert", "futures",
				fmt.Errorf("failed to insert asset %s: %w", asset.Symbol, err))
		}
		roots[asset.RootSymbol] = struct{}{}
	}

	for root := range roots {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO root_symbols (root_symbol, exchange, root_symbol_id) VALUES (?, ?, ?)`,
			root, ExchangeName, RootSymbolID(root)); err != nil {
			return NewStorageError("insert", "root_symbols", err)
		}
	}
	return nil
}

// Bars implements BarReader.Bars.
func (d *DuckDBSink) Bars(ctx context.Context, symbol string, granularity models.Granularity) ([]BarRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT sid, symbol, period_start, open, high, low, close, volume
		 FROM bars WHERE symbol = ? AND granularity = ?
		 ORDER BY period_start ASC`,
		symbol, granularity.String())
	if err != nil {
		return nil, NewStorageError("query", "bars", err)
	}
	defer rows.Close()

	var records []BarRecord
	for rows.Next() {
		var rec BarRecord
		var open, high, low, closePrice, volume float64
		if err := rows.Scan(&rec.Sid, &rec.Symbol, &rec.PeriodStart,
			&open, &high, &low, &closePrice, &volume); err != nil {
			return nil, NewStorageError("query", "bars", err)
		}
		rec.PeriodStart = rec.PeriodStart.UTC()
		rec.Candle = models.Candle{
			Symbol:      rec.Symbol,
			PeriodStart: rec.PeriodStart,
			Open:        decimal.NewFromFloat(open),
			High:        decimal.NewFromFloat(high),
			Low:         decimal.NewFromFloat(low),
			Close:       decimal.NewFromFloat(closePrice),
			Volume:      decimal.NewFromFloat(volume),
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("query", "bars", err)
	}
	return records, nil
}

// Assets implements BarReader.Assets.
func (d *DuckDBSink) Assets(ctx context.Context) ([]*models.AssetDetail, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT symbol, root_symbol, underlying, tick_size, multiplier, start_date, expiration_date
		 FROM futures ORDER BY sid ASC`)
	if err != nil {
		return nil, NewStorageError("query", "futures", err)
	}
	defer rows.Close()

	var assets []*models.AssetDetail
	for rows.Next() {
		var a models.AssetDetail
		var tickSize, multiplier float64
		var expiry sql.NullTime
		if err := rows.Scan(&a.Symbol, &a.RootSymbol, &a.Underlying,
			&tickSize, &multiplier, &a.Listing, &expiry); err != nil {
			return nil, NewStorageError("query", "futures", err)
		}
		a.TickSize = decimal.NewFromFloat(tickSize)
		a.Multiplier = decimal.NewFromFloat(multiplier)
		a.Listing = a.Listing.UTC()
		if expiry.Valid {
			e := expiry.Time.UTC()
			a.Expiry = &e
		}
		assets = append(assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("query", "futures", err)
	}
	return assets, nil
}

// HealthCheck implements Manager.HealthCheck.
func (d *DuckDBSink) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return NewStorageError("health_check", "", fmt.Errorf("database connection is closed"))
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Close implements Manager.Close.
func (d *DuckDBSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func assetSymbols(run *IngestRun) []string {
	symbols := make([]string, 0, len(run.Assets))
	for _, asset := range run.Assets {
		symbols = append(symbols, asset.Symbol)
	}
	return symbols
}
