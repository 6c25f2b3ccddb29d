// Package basis computes annualized futures basis curves from daily price
// series.
package basis

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

// Simple annualized premium with linear day-count scaling, no compounding.
const daysPerYear = 365

var one = decimal.NewFromInt(1)

// Compute derives the annualized basis series for one contract.
//
// For each date in futuresPrices:
//   - dates with days-to-expiry <= 0 are excluded from the result entirely
//     (the contract has expired relative to that date, so the basis is not
//     meaningful there);
//   - dates with no index price yield an explicit Missing point, which is
//     distinct from exclusion;
//   - otherwise basis = (futures/index - 1) / (daysToExpiry/365).
//
// Compute is a pure function: it performs no I/O and does not mutate its
// inputs.
func Compute(expiryDate time.Time, futuresPrices, indexPrices *models.DailySeries) models.BasisSeries {
	expiry := models.DateOf(expiryDate)
	result := make(models.BasisSeries, futuresPrices.Len())

	for _, day := range futuresPrices.Days() {
		daysToExpiry := int(expiry.Sub(day).Hours() / 24)
		if daysToExpiry <= 0 {
			continue
		}

		futuresPrice, _ := futuresPrices.Get(day)
		indexPrice, ok := indexPrices.Get(day)
		if !ok {
			result[day] = models.BasisPoint{Date: day, Missing: true}
			continue
		}

		yearFraction := decimal.NewFromInt(int64(daysToExpiry)).
			Div(decimal.NewFromInt(daysPerYear))
		value := futuresPrice.Div(indexPrice).Sub(one).Div(yearFraction)

		result[day] = models.BasisPoint{Date: day, Value: value}
	}

	return result
}
