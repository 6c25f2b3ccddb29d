// Package aggregate converts raw trade ticks from BitMEX archive files into
// OHLCV candles at day, hour or minute granularity.
//
// One archive file yields one aggregation pass. The pass is streaming and not
// restartable; cross-file accumulation, when needed, belongs to the caller.
package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// Archive tick timestamps use a literal D separator and fixed microsecond
// precision, e.g. 2019-06-18D13:45:02.123456.
const tickTimestampFormat = "2006-01-02D15:04:05.000000"

const component = "aggregate"

// TickSource delivers the ticks of one archive file in file order.
// Next returns io.EOF after the last tick.
type TickSource interface {
	Next() (models.Tick, error)
}

// TickReader is a TickSource over a trade CSV. The CSV must carry a header
// row naming at least the timestamp, symbol, price and size columns; other
// columns are ignored.
type TickReader struct {
	csv  *csv.Reader
	gz   *gzip.Reader
	cols tickColumns
}

type tickColumns struct {
	timestamp int
	symbol    int
	price     int
	size      int
}

// NewTickReader creates a reader over an uncompressed trade CSV.
func NewTickReader(r io.Reader) (*TickReader, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "read header",
			fmt.Errorf("failed to read CSV header: %w", err))
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "read header", err)
	}

	return &TickReader{csv: cr, cols: cols}, nil
}

// NewArchiveTickReader creates a reader over a gzip-compressed trade CSV, the
// format the archive serves.
func NewArchiveTickReader(r io.Reader) (*TickReader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "open archive",
			fmt.Errorf("failed to open gzip stream: %w", err))
	}

	tr, err := NewTickReader(gz)
	if err != nil {
		gz.Close()
		return nil, err
	}
	tr.gz = gz
	return tr, nil
}

// Next returns the next tick. A malformed timestamp or numeric field is a
// fatal parse error for the file.
func (tr *TickReader) Next() (models.Tick, error) {
	record, err := tr.csv.Read()
	if err == io.EOF {
		return models.Tick{}, io.EOF
	}
	if err != nil {
		return models.Tick{}, apperrors.New(apperrors.ErrorTypeDecode, component, "read row",
			fmt.Errorf("failed to read CSV row: %w", err))
	}

	ts, err := time.Parse(tickTimestampFormat, record[tr.cols.timestamp])
	if err != nil {
		return models.Tick{}, apperrors.New(apperrors.ErrorTypeDecode, component, "parse timestamp",
			fmt.Errorf("invalid tick timestamp %q: %w", record[tr.cols.timestamp], err))
	}

	price, err := decimal.NewFromString(record[tr.cols.price])
	if err != nil {
		return models.Tick{}, apperrors.New(apperrors.ErrorTypeDecode, component, "parse price",
			fmt.Errorf("invalid tick price %q: %w", record[tr.cols.price], err))
	}

	size, err := decimal.NewFromString(record[tr.cols.size])
	if err != nil {
		return models.Tick{}, apperrors.New(apperrors.ErrorTypeDecode, component, "parse size",
			fmt.Errorf("invalid tick size %q: %w", record[tr.cols.size], err))
	}

	return models.Tick{
		Symbol:    record[tr.cols.symbol],
		Timestamp: ts.UTC(),
		Price:     price,
		Size:      size,
	}, nil
}

// Close releases the underlying gzip stream, if any.
func (tr *TickReader) Close() error {
	if tr.gz != nil {
		return tr.gz.Close()
	}
	return nil
}

func resolveColumns(header []string) (tickColumns, error) {
	cols := tickColumns{timestamp: -1, symbol: -1, price: -1, size: -1}
	for i, name := range header {
		switch name {
		case "timestamp":
			cols.timestamp = i
		case "symbol":
			cols.symbol = i
		case "price":
			cols.price = i
		case "size":
			cols.size = i
		}
	}

	for name, idx := range map[string]int{
		"timestamp": cols.timestamp,
		"symbol":    cols.symbol,
		"price":     cols.price,
		"size":      cols.size,
	} {
		if idx < 0 {
			return tickColumns{}, fmt.Errorf("CSV header missing required column %q", name)
		}
	}
	return cols, nil
}
