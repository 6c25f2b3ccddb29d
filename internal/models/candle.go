// Package models provides data structures and validation for BitMEX market data.
// This package contains the core data models shared by the acquisition pipeline:
// ticks, candles, daily price series, basis points, and instrument metadata.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Granularity is the bucket width used when aggregating ticks into candles.
type Granularity int

const (
	GranularityDay Granularity = iota
	GranularityHour
	GranularityMinute
)

// ParseGranularity converts a command-line granularity name to a Granularity.
// Accepted values are "day", "hour" and "minute".
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "day", "1d":
		return GranularityDay, nil
	case "hour", "1h":
		return GranularityHour, nil
	case "minute", "1m":
		return GranularityMinute, nil
	default:
		return 0, fmt.Errorf("unsupported granularity: %q", s)
	}
}

// String returns the canonical name of the granularity.
func (g Granularity) String() string {
	switch g {
	case GranularityDay:
		return "day"
	case GranularityHour:
		return "hour"
	case GranularityMinute:
		return "minute"
	default:
		return "unknown"
	}
}

// BucketStart truncates a tick timestamp to the start of its aggregation
// bucket. Day buckets start at midnight UTC, hour buckets at the top of the
// hour, minute buckets at the top of the minute.
func (g Granularity) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Tick is a single executed-trade record from the BitMEX trade archive.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

// Candle represents OHLCV data for one symbol in one aggregation bucket.
// The uniqueness key is (Symbol, PeriodStart).
type Candle struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	PeriodStart time.Time       `json:"period_start" db:"period_start"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
}

// ValidationError represents a model validation error with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs consistency checks on the candle.
// All prices must be positive, volume non-negative, and the OHLC relationships
// must hold: high >= max(open, close) and low <= min(open, close).
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.PeriodStart.IsZero() {
		return &ValidationError{Field: "period_start", Message: "period start cannot be zero"}
	}

	zero := decimal.Zero
	if c.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, PeriodStart: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.PeriodStart.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
