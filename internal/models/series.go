package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateOf normalizes a timestamp to its calendar day at midnight UTC.
// Normalized days are safe to use as map keys because they share the same
// wall clock representation and location.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailySeries maps calendar days to scalar values (prices or funding rates).
// Keys are unique per day; iteration via Days follows the order in which the
// days were added, which for paginated fetches is the page/cursor order.
// A value is immutable once set for a given day.
type DailySeries struct {
	values map[time.Time]decimal.Decimal
	days   []time.Time
}

// NewDailySeries creates an empty daily series.
func NewDailySeries() *DailySeries {
	return &DailySeries{values: make(map[time.Time]decimal.Decimal)}
}

// Set records the value for a calendar day. The day component of t is used;
// time-of-day is discarded. Setting an existing day keeps its original
// position but replaces the value, matching merge semantics of successive
// fetch pages whose boundaries touch.
func (s *DailySeries) Set(t time.Time, value decimal.Decimal) {
	day := DateOf(t)
	if _, exists := s.values[day]; !exists {
		s.days = append(s.days, day)
	}
	s.values[day] = value
}

// Get returns the value recorded for the calendar day of t.
func (s *DailySeries) Get(t time.Time) (decimal.Decimal, bool) {
	v, ok := s.values[DateOf(t)]
	return v, ok
}

// Len returns the number of days with a recorded value.
func (s *DailySeries) Len() int {
	return len(s.values)
}

// Days returns the recorded days in insertion order. The returned slice is
// shared; callers must not modify it.
func (s *DailySeries) Days() []time.Time {
	return s.days
}

// Merge folds all entries of other into s, preserving other's day order for
// days not yet present.
func (s *DailySeries) Merge(other *DailySeries) {
	if other == nil {
		return
	}
	for _, day := range other.days {
		s.Set(day, other.values[day])
	}
}

// Observation is one dated record decoded from a remote daily endpoint.
type Observation struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// BasisPoint is the annualized basis for one calendar day. Missing marks a
// day whose futures price exists but whose index price is unavailable; this
// is deliberately distinct from the day being absent from the result map.
type BasisPoint struct {
	Date    time.Time       `json:"date"`
	Value   decimal.Decimal `json:"value"`
	Missing bool            `json:"missing"`
}

// BasisSeries maps calendar days to basis points. Days on or after the
// contract expiry are excluded entirely rather than marked missing.
type BasisSeries map[time.Time]BasisPoint
