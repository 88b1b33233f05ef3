package model

import "github.com/shopspring/decimal"

// SymbolStatus is the review lifecycle state of a symbol.
type SymbolStatus string

const (
	StatusPendingReview SymbolStatus = "PENDING_REVIEW"
	StatusActive        SymbolStatus = "ACTIVE"
	StatusDelisted      SymbolStatus = "DELISTED"
	StatusDisabled      SymbolStatus = "DISABLED"
)

// SymbolConfig describes one instrument and how its footprint bins are sized.
// BinMultiplier maps tick-value to a histogram bin: bin width = TickValue * BinMultiplier.
type SymbolConfig struct {
	Venue             Venue        `json:"venue"`
	Symbol            string       `json:"symbol"`
	TickValue         float64      `json:"tick_value"` // price increment
	QuantityPrecision int          `json:"quantity_precision"`
	PricePrecision    int          `json:"price_precision"`
	BinMultiplier     int          `json:"bin_multiplier"` // >= 1
	Active            bool         `json:"active"`
	Status            SymbolStatus `json:"status"`
	Revision          int64        `json:"revision"` // bumped on every multiplier change
}

// Key returns "venue:symbol".
func (c *SymbolConfig) Key() string {
	return string(c.Venue) + ":" + c.Symbol
}

// BinWidth returns the price width of one footprint bin.
func (c *SymbolConfig) BinWidth() float64 {
	m := c.BinMultiplier
	if m < 1 {
		m = 1
	}
	return c.TickValue * float64(m)
}

// BinIndex computes the histogram bin for a price. When the venue's decimal
// price string is available it is used so the index is computed in integer
// tick units, avoiding float drift; otherwise the float price is used.
func (c *SymbolConfig) BinIndex(price float64, priceStr string) int64 {
	m := int64(c.BinMultiplier)
	if m < 1 {
		m = 1
	}
	if priceStr != "" {
		if p, err := decimal.NewFromString(priceStr); err == nil && c.TickValue > 0 {
			tick := decimal.NewFromFloat(c.TickValue)
			units := p.Div(tick).Floor().IntPart() // price in tick units
			return floorDiv(units, m)
		}
	}
	w := c.BinWidth()
	if w <= 0 {
		return 0
	}
	idx := price / w
	if idx < 0 {
		return int64(idx) - 1
	}
	return int64(idx)
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// multiplierTier maps a market-price band to a default bin multiplier.
// Higher-priced instruments get wider bins so footprints stay readable.
type multiplierTier struct {
	maxPrice   float64
	multiplier int
}

var multiplierTiers = []multiplierTier{
	{maxPrice: 1, multiplier: 1},
	{maxPrice: 10, multiplier: 2},
	{maxPrice: 100, multiplier: 5},
	{maxPrice: 1000, multiplier: 10},
	{maxPrice: 10000, multiplier: 20},
	{maxPrice: 100000, multiplier: 50},
}

// MultiplierForPrice returns the tier-table bin multiplier for the current
// market price. Prices beyond the last tier use the widest multiplier.
func MultiplierForPrice(price float64) int {
	for _, t := range multiplierTiers {
		if price < t.maxPrice {
			return t.multiplier
		}
	}
	return 100
}
