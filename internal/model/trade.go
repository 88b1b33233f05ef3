package model

// Venue identifies a futures venue. Adapters are a small fixed set selected
// by tag rather than an open interface.
type Venue string

const (
	VenueBinance Venue = "BINANCE"
	VenueBybit   Venue = "BYBIT"
	VenueOKX     Venue = "OKX"
)

// Trade represents a single normalized aggregate trade from a venue stream.
// Price is parsed once to float64 at ingress; PriceStr preserves the venue's
// decimal string so bin indices can be computed in integer space.
type Trade struct {
	Venue        Venue   `json:"venue"`
	Symbol       string  `json:"symbol"`
	TradeID      int64   `json:"trade_id"`   // strictly increasing per venue+symbol
	EventTime    int64   `json:"event_time"` // epoch ms
	TradeTime    int64   `json:"trade_time"` // epoch ms
	Price        float64 `json:"price"`
	PriceStr     string  `json:"price_str"`
	Quantity     float64 `json:"quantity"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// Key returns the unique stream key for this trade's instrument: "venue:symbol".
func (t *Trade) Key() string {
	return string(t.Venue) + ":" + t.Symbol
}

// IsBuy reports whether the aggressor was a buyer (taker bought).
func (t *Trade) IsBuy() bool {
	return !t.IsBuyerMaker
}

// QuoteQty returns the quote-currency value of the trade.
func (t *Trade) QuoteQty() float64 {
	return t.Price * t.Quantity
}

// TradeGap is a half-open range of missing trade ids (StartID, EndID) — both
// bounds exclusive, matching the ids that surround the hole.
type TradeGap struct {
	Symbol  string `json:"symbol"`
	StartID int64  `json:"start_id"`
	EndID   int64  `json:"end_id"`
	SeenAt  int64  `json:"seen_at"` // epoch ms when the gap was observed
}

// Missing returns the number of trade ids inside the gap.
func (g *TradeGap) Missing() int64 {
	n := g.EndID - g.StartID - 1
	if n < 0 {
		return 0
	}
	return n
}
