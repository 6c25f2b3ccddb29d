package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AssetDetail holds per-symbol instrument metadata from the BitMEX
// instrument endpoint. Instances are owned by the asset detail cache and are
// read-only after first fetch; a cache refresh replaces the value wholesale.
type AssetDetail struct {
	Symbol     string          `json:"symbol"`
	RootSymbol string          `json:"rootSymbol"`
	Underlying string          `json:"underlying"`
	TickSize   decimal.Decimal `json:"tickSize"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Listing    time.Time       `json:"listing"`

	// Expiry is nil for perpetual contracts and indices, which never expire.
	Expiry *time.Time `json:"expiry"`
}

// IsFuture reports whether the instrument is an expiring futures contract.
// Perpetual swaps and indices have no expiry and are excluded from the
// futures metadata written to the sink.
func (a *AssetDetail) IsFuture() bool {
	return a.Expiry != nil
}

// Validate checks required instrument fields.
func (a *AssetDetail) Validate() error {
	if a.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if a.RootSymbol == "" {
		return &ValidationError{Field: "rootSymbol", Message: "root symbol cannot be empty"}
	}
	if a.Listing.IsZero() {
		return &ValidationError{Field: "listing", Message: "listing date cannot be zero"}
	}
	return nil
}

// ContractExpiration describes one quarterly futures contract's lifecycle.
// Created once per contract per calendar year by the lifecycle resolver and
// immutable thereafter. Listing is zero when resolved by the calendar
// strategy, which only computes expiry.
type ContractExpiration struct {
	Symbol  string    `json:"symbol"`
	Listing time.Time `json:"listing"`
	Expiry  time.Time `json:"expiry"`
}

// DaysToExpiry returns the whole number of days from the given day until the
// contract expiry. Results <= 0 mean the contract has expired relative to t.
func (c *ContractExpiration) DaysToExpiry(t time.Time) int {
	return int(DateOf(c.Expiry).Sub(DateOf(t)).Hours() / 24)
}

// String returns a human-readable representation of the contract.
func (c *ContractExpiration) String() string {
	return fmt.Sprintf("ContractExpiration{Symbol: %s, Listing: %s, Expiry: %s}",
		c.Symbol, c.Listing.Format("2006-01-02"), c.Expiry.Format("2006-01-02"))
}
