package model

import "encoding/json"

// PriceBin holds the volume distribution at one price level of a footprint.
type PriceBin struct {
	Volume     float64 `json:"v"`
	BuyVolume  float64 `json:"bv"`
	SellVolume float64 `json:"sv"`
	BuyQuote   float64 `json:"bq"`
	SellQuote  float64 `json:"sq"`
}

// FootprintCandle is a time-interval OHLCV bar augmented with a per-price-bin
// buy/sell volume histogram. Keyed by (venue, symbol, interval, open-time).
// A candle is exclusively owned by the worker shard its symbol maps to.
type FootprintCandle struct {
	Venue    Venue  `json:"venue"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`

	OpenTime  int64 `json:"open_time"`  // epoch ms, interval-aligned
	CloseTime int64 `json:"close_time"` // open_time + interval_ms - 1, set on completion

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	Volume      float64 `json:"volume"`
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	QuoteVolume float64 `json:"quote_volume"`
	BuyQuote    float64 `json:"buy_quote"`
	SellQuote   float64 `json:"sell_quote"`

	Delta    float64 `json:"delta"`     // buy - sell
	DeltaMin float64 `json:"delta_min"` // trajectory minimum of Delta
	DeltaMax float64 `json:"delta_max"` // trajectory maximum of Delta

	TradeCount   int64 `json:"trade_count"`
	FirstTradeID int64 `json:"first_trade_id"`
	LastTradeID  int64 `json:"last_trade_id"`

	Complete bool `json:"complete"`

	// Bins maps price-bin index -> distribution. The bin index for price p
	// is floor(p / (tick_value * bin_multiplier)).
	Bins map[int64]*PriceBin `json:"bins,omitempty"`
}

// Key returns the instrument key "venue:symbol".
func (c *FootprintCandle) Key() string {
	return string(c.Venue) + ":" + c.Symbol
}

// Bin returns the PriceBin for idx, creating it if absent.
func (c *FootprintCandle) Bin(idx int64) *PriceBin {
	if c.Bins == nil {
		c.Bins = make(map[int64]*PriceBin, 16)
	}
	b := c.Bins[idx]
	if b == nil {
		b = &PriceBin{}
		c.Bins[idx] = b
	}
	return b
}

// Clone returns a deep copy, safe to hand across goroutine boundaries.
func (c *FootprintCandle) Clone() *FootprintCandle {
	cp := *c
	if c.Bins != nil {
		cp.Bins = make(map[int64]*PriceBin, len(c.Bins))
		for k, v := range c.Bins {
			b := *v
			cp.Bins[k] = &b
		}
	}
	return &cp
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *FootprintCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandlePage is the paginated query result consumed by the UI shell.
type CandlePage struct {
	Candles    []*FootprintCandle `json:"candles"`
	Page       int                `json:"page"`
	PageSize   int                `json:"pageSize"`
	TotalCount int                `json:"totalCount"`
	TotalPages int                `json:"totalPages"`
}
