package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple the hot path from concrete collaborators
// (file store, persistence sidecar, symbol configuration repository).

// CandleStore persists completed footprint candles and serves range queries.
type CandleStore interface {
	// Save appends a completed candle to its period file. Duplicate saves
	// of the same (symbol, interval, open-time) are treated as success.
	Save(c *FootprintCandle) error

	// FindBySymbol returns candles in ascending open-time order.
	FindBySymbol(symbol string, venue Venue, interval string, q QueryOptions) ([]*FootprintCandle, error)

	// FindWithFootprint joins candle records with footprint records by
	// open-time; candles with no footprint record carry empty bins.
	FindWithFootprint(symbol string, venue Venue, interval string, q QueryOptions) ([]*FootprintCandle, error)

	// FindLatest returns the most recent candle, or nil if none exists.
	FindLatest(symbol string, venue Venue, interval string) (*FootprintCandle, error)

	// FindPage returns a page of candles with total counts.
	FindPage(symbol string, venue Venue, interval string, page, pageSize int) (*CandlePage, error)

	// Close releases underlying resources.
	Close() error
}

// QueryOptions bounds a candle range query. Zero values mean unbounded.
type QueryOptions struct {
	StartTime int64 // inclusive, epoch ms
	EndTime   int64 // inclusive, epoch ms
	Limit     int
}

// DirtyCandle is a per-symbol aggregation snapshot flushed to the sidecar.
type DirtyCandle struct {
	Symbol      string           `json:"symbol"`
	LastTradeID int64            `json:"last_trade_id"`
	Candle      *FootprintCandle `json:"candle,omitempty"` // nil when no candle is open
}

// StateStore is the sidecar abstraction workers flush dirty state through.
// The sidecar process is the single writer of the canonical state database.
type StateStore interface {
	// LoadStatesForSymbols returns the last persisted trade id per symbol.
	// Symbols with no persisted state are absent from the map.
	LoadStatesForSymbols(ctx context.Context, symbols []string) (map[string]int64, error)

	// WriteDirty persists a batch of dirty snapshots.
	WriteDirty(ctx context.Context, batch []DirtyCandle) error

	// FlushAll forces the sidecar to sync its database to disk.
	FlushAll(ctx context.Context) error

	// DropSymbol removes all persisted state for a symbol.
	DropSymbol(ctx context.Context, symbol string) error
}

// GapReader lists recorded trade-id gaps for recovery and resolves them
// once backfilled, so a gap is fetched at most until it succeeds.
type GapReader interface {
	ListGaps(ctx context.Context, symbol string, since int64) ([]TradeGap, error)
	ResolveGap(ctx context.Context, symbol string, startID int64) error
}

// GapRecorder records observed trade-id gaps.
type GapRecorder interface {
	RecordGap(ctx context.Context, gap TradeGap) error
}

// SymbolConfigRepo serves exchange URLs and the active symbol list.
// Configuration persistence itself is an external collaborator.
type SymbolConfigRepo interface {
	ActiveSymbols(venue Venue) ([]SymbolConfig, error)
	SymbolConfig(venue Venue, symbol string) (*SymbolConfig, error)
	WSURL(venue Venue) (string, error)
	RESTURL(venue Venue) (string, error)
}
