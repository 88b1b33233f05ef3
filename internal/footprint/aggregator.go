package footprint

import (
	"context"
	"log"
	"sync"
	"time"

	"footprint-systemv1/internal/model"
)

// DefaultFlushInterval is how often dirty candle snapshots are pushed to
// the state sidecar.
const DefaultFlushInterval = 30 * time.Second

// symbolState holds everything the aggregator tracks for one symbol.
type symbolState struct {
	candle      *model.FootprintCandle
	lastTradeID int64
	config      model.SymbolConfig
	hasConfig   bool
	dirty       bool

	// gaps holds open (startId, endId) exclusive intervals awaiting REST
	// recovery. Recovered trades are admitted past the dedup floor only if
	// their id falls inside one of these.
	gaps []model.TradeGap
}

// Config wires an Aggregator.
type Config struct {
	Venue    model.Venue
	Interval string

	// States persists dirty snapshots; nil disables persistence.
	States model.StateStore
	// Gaps records detected trade-id gaps; nil disables gap recording.
	Gaps model.GapRecorder
	// Emit receives each completed candle. Must not block.
	Emit func(*model.FootprintCandle)

	FlushInterval time.Duration
}

// Aggregator builds footprint candles from a per-symbol trade stream. One
// aggregator lives inside one worker; its symbols never overlap another
// worker's, so the mutex only arbitrates between the trade path and the
// flush timer.
type Aggregator struct {
	cfg        Config
	intervalMS int64

	mu     sync.Mutex
	states map[string]*symbolState

	// Metrics hooks (optional, set externally)
	OnDuplicate      func()
	OnGap            func(missing int64)
	OnCandleComplete func()
}

// New creates an Aggregator for one venue and interval.
func New(cfg Config) *Aggregator {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Aggregator{
		cfg:        cfg,
		intervalMS: model.IntervalMS(cfg.Interval),
		states:     make(map[string]*symbolState),
	}
}

// LoadStates fetches persisted last trade ids for the given symbols and
// adopts them as deduplication floors. Called once on worker init, before
// the first trade.
func (a *Aggregator) LoadStates(ctx context.Context, symbols []string) error {
	if a.cfg.States == nil || len(symbols) == 0 {
		return nil
	}
	floors, err := a.cfg.States.LoadStatesForSymbols(ctx, symbols)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for sym, id := range floors {
		st := a.state(sym)
		if id > st.lastTradeID {
			st.lastTradeID = id
		}
	}
	log.Printf("[footprint] loaded dedup floors for %d/%d symbols", len(floors), len(symbols))
	return nil
}

// ApplyConfig installs a symbol configuration. If the bin multiplier changes
// while a candle is open, the candle is completed and emitted immediately
// since existing bins cannot be reassigned to the new width.
func (a *Aggregator) ApplyConfig(symbol string, cfg model.SymbolConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(symbol)
	if st.hasConfig && st.config.Revision >= cfg.Revision && st.config.BinMultiplier == cfg.BinMultiplier {
		return
	}
	if st.hasConfig && st.candle != nil && st.config.BinMultiplier != cfg.BinMultiplier {
		log.Printf("[footprint] %s bin multiplier %d -> %d, closing open candle early",
			symbol, st.config.BinMultiplier, cfg.BinMultiplier)
		a.completeLocked(st)
	}
	st.config = cfg
	st.hasConfig = true
}

// ProcessTrades applies a batch of trades for one symbol and returns how many
// were counted into a candle. Malformed or rejected trades are logged and
// skipped; they never fail the batch.
func (a *Aggregator) ProcessTrades(symbol string, trades []*model.Trade) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(symbol)
	if !st.hasConfig {
		log.Printf("[footprint] no config for %s, dropping %d trades", symbol, len(trades))
		return 0
	}

	processed := 0
	for _, t := range trades {
		if t == nil || t.Symbol != symbol {
			continue
		}
		if a.applyLocked(st, t) {
			processed++
		}
	}
	return processed
}

// applyLocked runs the per-trade state machine. Returns false when the trade
// is a duplicate.
func (a *Aggregator) applyLocked(st *symbolState, t *model.Trade) bool {
	if t.TradeID <= st.lastTradeID {
		if a.OnDuplicate != nil {
			a.OnDuplicate()
		}
		return false
	}
	if st.lastTradeID > 0 && t.TradeID > st.lastTradeID+1 {
		gap := model.TradeGap{
			Symbol:  t.Symbol,
			StartID: st.lastTradeID,
			EndID:   t.TradeID,
			SeenAt:  t.EventTime,
		}
		st.gaps = append(st.gaps, gap)
		if a.OnGap != nil {
			a.OnGap(gap.Missing())
		}
		if a.cfg.Gaps != nil {
			// Fire and forget; recovery is handled out of band and must
			// never stall the trade path.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.cfg.Gaps.RecordGap(ctx, gap); err != nil {
					log.Printf("[footprint] record gap %s (%d,%d): %v", gap.Symbol, gap.StartID, gap.EndID, err)
				}
			}()
		}
	}

	intervalStart := model.IntervalStart(a.cfg.Interval, t.TradeTime)
	if st.candle != nil && st.candle.OpenTime != intervalStart {
		a.completeLocked(st)
	}

	if st.candle == nil {
		st.candle = &model.FootprintCandle{
			Venue:        a.cfg.Venue,
			Symbol:       t.Symbol,
			Interval:     a.cfg.Interval,
			OpenTime:     intervalStart,
			Open:         t.Price,
			High:         t.Price,
			Low:          t.Price,
			FirstTradeID: t.TradeID,
		}
	}

	c := st.candle
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price

	quote := t.QuoteQty()
	c.Volume += t.Quantity
	c.QuoteVolume += quote

	bin := c.Bin(st.config.BinIndex(t.Price, t.PriceStr))
	bin.Volume += t.Quantity
	if t.IsBuy() {
		c.BuyVolume += t.Quantity
		c.BuyQuote += quote
		c.Delta += t.Quantity
		bin.BuyVolume += t.Quantity
		bin.BuyQuote += quote
	} else {
		c.SellVolume += t.Quantity
		c.SellQuote += quote
		c.Delta -= t.Quantity
		bin.SellVolume += t.Quantity
		bin.SellQuote += quote
	}

	// Extrema track the delta trajectory after every trade, seeded by the
	// first trade of the candle.
	if c.TradeCount == 0 {
		c.DeltaMax = c.Delta
		c.DeltaMin = c.Delta
	} else {
		if c.Delta > c.DeltaMax {
			c.DeltaMax = c.Delta
		}
		if c.Delta < c.DeltaMin {
			c.DeltaMin = c.Delta
		}
	}

	c.TradeCount++
	c.LastTradeID = t.TradeID
	st.lastTradeID = t.TradeID
	st.dirty = true
	return true
}

// ProcessRecoveredTrades applies trades fetched by REST gap recovery. A
// recovered trade is admitted past the deduplication floor only when its id
// falls inside an open gap interval; the interval shrinks as trades land and
// disappears once fully recovered. Returns how many trades were counted.
func (a *Aggregator) ProcessRecoveredTrades(symbol string, trades []*model.Trade) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(symbol)
	if !st.hasConfig {
		log.Printf("[footprint] no config for %s, dropping %d recovered trades", symbol, len(trades))
		return 0
	}

	processed := 0
	for _, t := range trades {
		if t == nil || t.Symbol != symbol {
			continue
		}
		if t.TradeID > st.lastTradeID {
			// Past the live edge; process normally.
			if a.applyLocked(st, t) {
				processed++
			}
			continue
		}
		if !a.consumeGapLocked(st, t.TradeID) {
			if a.OnDuplicate != nil {
				a.OnDuplicate()
			}
			continue
		}
		if a.applyRecoveredLocked(st, t) {
			processed++
		}
	}
	return processed
}

// consumeGapLocked checks whether id belongs to an open gap and narrows the
// gap accordingly. Interior hits split the interval in two.
func (a *Aggregator) consumeGapLocked(st *symbolState, id int64) bool {
	for i := range st.gaps {
		g := &st.gaps[i]
		if id <= g.StartID || id >= g.EndID {
			continue
		}
		switch {
		case id == g.StartID+1:
			g.StartID++
		case id == g.EndID-1:
			g.EndID--
		default:
			st.gaps = append(st.gaps, model.TradeGap{
				Symbol: g.Symbol, StartID: id, EndID: g.EndID, SeenAt: g.SeenAt,
			})
			g.EndID = id
		}
		if g.Missing() <= 0 {
			st.gaps = append(st.gaps[:i], st.gaps[i+1:]...)
		}
		return true
	}
	return false
}

// applyRecoveredLocked folds a backfilled trade into the open candle.
// Order-free stats (volumes, bins, delta, high/low) apply as usual; open and
// close track first/last trade id rather than arrival order. Returns false
// when the target candle has already been emitted.
func (a *Aggregator) applyRecoveredLocked(st *symbolState, t *model.Trade) bool {
	c := st.candle
	if c == nil || c.OpenTime != model.IntervalStart(a.cfg.Interval, t.TradeTime) {
		log.Printf("[footprint] recovered trade %s id=%d landed after its candle closed", t.Symbol, t.TradeID)
		return false
	}

	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	if t.TradeID < c.FirstTradeID {
		c.FirstTradeID = t.TradeID
		c.Open = t.Price
	}

	quote := t.QuoteQty()
	c.Volume += t.Quantity
	c.QuoteVolume += quote

	bin := c.Bin(st.config.BinIndex(t.Price, t.PriceStr))
	bin.Volume += t.Quantity
	if t.IsBuy() {
		c.BuyVolume += t.Quantity
		c.BuyQuote += quote
		c.Delta += t.Quantity
		bin.BuyVolume += t.Quantity
		bin.BuyQuote += quote
	} else {
		c.SellVolume += t.Quantity
		c.SellQuote += quote
		c.Delta -= t.Quantity
		bin.SellVolume += t.Quantity
		bin.SellQuote += quote
	}
	if c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}

	c.TradeCount++
	st.dirty = true
	return true
}

// completeLocked finalizes the open candle for st and emits it.
func (a *Aggregator) completeLocked(st *symbolState) {
	c := st.candle
	if c == nil {
		return
	}
	c.CloseTime = c.OpenTime + a.intervalMS - 1
	c.Complete = true
	st.candle = nil
	st.dirty = true

	if a.OnCandleComplete != nil {
		a.OnCandleComplete()
	}
	if a.cfg.Emit != nil {
		a.cfg.Emit(c)
	}
}

// Flush writes every dirty snapshot to the state store and clears the dirty
// flags. Candles still open travel as snapshots so a crash loses at most one
// flush interval of aggregation.
func (a *Aggregator) Flush(ctx context.Context) error {
	batch := a.collectDirty()
	if len(batch) == 0 || a.cfg.States == nil {
		return nil
	}
	return a.cfg.States.WriteDirty(ctx, batch)
}

// FlushAll drains dirty state and asks the sidecar to sync its database.
// Invoked on graceful shutdown before the worker acknowledges termination.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	if err := a.Flush(ctx); err != nil {
		return err
	}
	if a.cfg.States == nil {
		return nil
	}
	return a.cfg.States.FlushAll(ctx)
}

func (a *Aggregator) collectDirty() []model.DirtyCandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var batch []model.DirtyCandle
	for sym, st := range a.states {
		if !st.dirty {
			continue
		}
		d := model.DirtyCandle{Symbol: sym, LastTradeID: st.lastTradeID}
		if st.candle != nil {
			d.Candle = st.candle.Clone()
		}
		batch = append(batch, d)
		st.dirty = false
	}
	return batch
}

// DropSymbol discards all in-memory state for a symbol. The sidecar-side
// drop is the orchestrator's responsibility.
func (a *Aggregator) DropSymbol(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, symbol)
}

// OpenCandle returns a copy of the in-progress candle for symbol, or nil.
func (a *Aggregator) OpenCandle(symbol string) *model.FootprintCandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[symbol]
	if !ok || st.candle == nil {
		return nil
	}
	return st.candle.Clone()
}

// LastTradeID returns the deduplication floor for symbol.
func (a *Aggregator) LastTradeID(symbol string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[symbol]
	if !ok {
		return 0
	}
	return st.lastTradeID
}

// Run drives the periodic dirty flush until ctx is cancelled, then performs
// a final FlushAll.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.FlushAll(shutdownCtx); err != nil {
				log.Printf("[footprint] final flush: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				log.Printf("[footprint] periodic flush: %v", err)
			}
		}
	}
}

// state returns the existing state for symbol, creating a blank one if needed.
// Caller holds a.mu.
func (a *Aggregator) state(symbol string) *symbolState {
	st, ok := a.states[symbol]
	if !ok {
		st = &symbolState{}
		a.states[symbol] = st
	}
	return st
}
