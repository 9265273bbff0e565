package core

import (
	"encoding/json"
	"math"
	"strconv"
)

// Nanos is a monetary amount in US nanodollars (1e-9 USD).
// Costs are accumulated as integers so long-running totals do not drift.
type Nanos int64

// NanosPerUSD is the number of nanodollars in one dollar.
const NanosPerUSD Nanos = 1_000_000_000

// USD converts to a float dollar value. Use only at presentation boundaries.
func (n Nanos) USD() float64 {
	return float64(n) / float64(NanosPerUSD)
}

// FromUSD converts a dollar amount to nanodollars, rounding to the nearest unit.
func FromUSD(usd float64) Nanos {
	return Nanos(math.Round(usd * float64(NanosPerUSD)))
}

// String formats the amount in dollars with nine decimals.
func (n Nanos) String() string {
	return strconv.FormatFloat(n.USD(), 'f', 9, 64)
}

// USDAmount is a presentation wrapper that marshals Nanos as a dollar number.
type USDAmount Nanos

// MarshalJSON emits the dollar value.
func (a USDAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Nanos(a).USD())
}
