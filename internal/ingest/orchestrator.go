package ingest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"footprint-systemv1/internal/model"
	"footprint-systemv1/internal/pool"
	"footprint-systemv1/internal/venue"
)

// Stream is the venue-facing surface the orchestrator drives. Both a bare
// Connector and a Rotator satisfy it.
type Stream interface {
	Run(ctx context.Context) error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	State() venue.ConnState
}

// TradeRecoverer backfills a missing trade-id range through a venue's REST
// endpoint. venue.Recovery is the production implementation.
type TradeRecoverer interface {
	SyncMissingTrades(ctx context.Context, symbol string, startID, endID int64) ([]*model.Trade, error)
}

// Config wires an Orchestrator.
type Config struct {
	Venue    model.Venue
	Interval string

	Repo   model.SymbolConfigRepo
	Pool   *pool.Pool
	Stream Stream

	// Recovery backfills recorded gaps; nil disables the recovery loop.
	Recovery TradeRecoverer
	Gaps     model.GapReader
	States   model.StateStore

	TradeBuffer      int
	RecoveryInterval time.Duration
}

// Status is the getStatus snapshot.
type Status struct {
	Running   bool                 `json:"running"`
	Standby   bool                 `json:"standby"`
	ConnState string               `json:"conn_state"`
	Symbols   []string             `json:"symbols"`
	Workers   []*pool.WorkerStatus `json:"workers"`
	StartedAt int64                `json:"started_at"`
}

// HealthMetrics is the getHealthMetrics snapshot.
type HealthMetrics struct {
	TradesIngested   int64 `json:"trades_ingested"`
	TradesDispatched int64 `json:"trades_dispatched"`
	DispatchErrors   int64 `json:"dispatch_errors"`
	GapsRecovered    int64 `json:"gaps_recovered"`
	PendingQueues    int   `json:"pending_queues"`
}

// symbolQueue buffers trades for one symbol while a dispatch is in flight,
// preserving per-symbol ordering without a global lock.
type symbolQueue struct {
	pending  []*model.Trade
	inFlight bool
}

// Orchestrator owns ingestion startup ordering: workers first, then routing,
// then the venue stream, so routing is ready before the first trade lands.
type Orchestrator struct {
	cfg Config

	tradeCh      chan *model.Trade
	dispatchDone chan string

	mu        sync.Mutex
	symbols   map[string]model.SymbolConfig
	running   bool
	standby   bool
	startedAt time.Time
	cancel    context.CancelFunc

	tradesIngested   atomic.Int64
	tradesDispatched atomic.Int64
	dispatchErrors   atomic.Int64
	gapsRecovered    atomic.Int64

	queueCount atomic.Int64

	OnCritical func(reason string)
}

// New creates an unstarted orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.TradeBuffer <= 0 {
		cfg.TradeBuffer = 8192
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	return &Orchestrator{
		cfg:          cfg,
		tradeCh:      make(chan *model.Trade, cfg.TradeBuffer),
		dispatchDone: make(chan string, 256),
		symbols:      make(map[string]model.SymbolConfig),
	}
}

// HandleTrade is the venue connector callback. Bounded channel: if the fan
// out falls behind, this blocks and back-pressure reaches the venue socket.
func (o *Orchestrator) HandleTrade(t *model.Trade) {
	o.tradesIngested.Add(1)
	o.tradeCh <- t
}

// Start brings ingestion up in fixed phases:
// 0. initialize the worker pool and block on readiness;
// 1. fetch active symbols (standby mode when none);
// 2. pre-compute routing and send WORKER_INIT to every worker;
// 3-4. start the venue stream and subscribe the initial set.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("ingest: already running")
	}
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	if err := o.cfg.Pool.Initialize(ctx); err != nil {
		cancel()
		return fmt.Errorf("ingest: worker pool: %w", err)
	}

	go o.fanOut(runCtx)

	active, err := o.cfg.Repo.ActiveSymbols(o.cfg.Venue)
	if err != nil {
		cancel()
		return fmt.Errorf("ingest: active symbols: %w", err)
	}

	if len(active) == 0 {
		log.Printf("[ingest] no active symbols, entering standby")
		if err := o.cfg.Pool.InitWorkers(ctx); err != nil {
			cancel()
			return fmt.Errorf("ingest: init workers: %w", err)
		}
		go o.runStream(runCtx)
		o.mu.Lock()
		o.running, o.standby = true, true
		o.startedAt = time.Now()
		o.cancel = cancel
		o.mu.Unlock()
		return nil
	}

	for _, cfg := range active {
		workerID, err := o.cfg.Pool.AssignSymbol(ctx, cfg.Symbol, cfg)
		if err != nil {
			cancel()
			return fmt.Errorf("ingest: assign %s: %w", cfg.Symbol, err)
		}
		log.Printf("[ingest] %s -> %s", cfg.Symbol, workerID)
		o.mu.Lock()
		o.symbols[cfg.Symbol] = cfg
		o.mu.Unlock()
	}
	if err := o.cfg.Pool.InitWorkers(ctx); err != nil {
		cancel()
		return fmt.Errorf("ingest: init workers: %w", err)
	}

	go o.runStream(runCtx)
	if err := o.cfg.Stream.Subscribe(symbolNames(active)); err != nil {
		cancel()
		return fmt.Errorf("ingest: subscribe: %w", err)
	}

	if o.cfg.Recovery != nil && o.cfg.Gaps != nil {
		go o.recoveryLoop(runCtx)
	}

	o.mu.Lock()
	o.running = true
	o.standby = false
	o.startedAt = time.Now()
	o.cancel = cancel
	o.mu.Unlock()
	log.Printf("[ingest] started with %d symbols", len(active))
	return nil
}

func (o *Orchestrator) runStream(ctx context.Context) {
	if err := o.cfg.Stream.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[ingest] venue stream ended: %v", err)
		if o.OnCritical != nil {
			o.OnCritical(fmt.Sprintf("venue stream ended: %v", err))
		}
	}
}

// Stop tears ingestion down: stream first, then a final pool flush.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return o.cfg.Pool.Shutdown(ctx)
}

// AddSymbols subscribes and routes new symbols; already-known symbols are a
// no-op. Leaves standby mode on the first addition.
func (o *Orchestrator) AddSymbols(ctx context.Context, symbols []string) error {
	var fresh []string
	o.mu.Lock()
	for _, s := range symbols {
		if _, ok := o.symbols[s]; !ok {
			fresh = append(fresh, s)
		}
	}
	o.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	for _, s := range fresh {
		cfg, err := o.cfg.Repo.SymbolConfig(o.cfg.Venue, s)
		if err != nil {
			return fmt.Errorf("ingest: config for %s: %w", s, err)
		}
		if _, err := o.cfg.Pool.AssignSymbol(ctx, s, *cfg); err != nil {
			return err
		}
		o.mu.Lock()
		o.symbols[s] = *cfg
		o.standby = false
		o.mu.Unlock()
	}
	return o.cfg.Stream.Subscribe(fresh)
}

// RemoveSymbols unsubscribes the venue stream, drops worker state and clears
// the persisted snapshot for each symbol.
func (o *Orchestrator) RemoveSymbols(ctx context.Context, symbols []string) error {
	var known []string
	o.mu.Lock()
	for _, s := range symbols {
		if _, ok := o.symbols[s]; ok {
			delete(o.symbols, s)
			known = append(known, s)
		}
	}
	o.mu.Unlock()
	if len(known) == 0 {
		return nil
	}

	if err := o.cfg.Stream.Unsubscribe(known); err != nil {
		log.Printf("[ingest] unsubscribe: %v", err)
	}
	for _, s := range known {
		if err := o.cfg.Pool.RemoveSymbol(ctx, s); err != nil {
			return err
		}
		if o.cfg.States != nil {
			if err := o.cfg.States.DropSymbol(ctx, s); err != nil {
				log.Printf("[ingest] drop persisted state %s: %v", s, err)
			}
		}
	}
	return nil
}

// GetStatus returns a full snapshot, including per-worker statuses.
func (o *Orchestrator) GetStatus(ctx context.Context) (*Status, error) {
	o.mu.Lock()
	st := &Status{
		Running:   o.running,
		Standby:   o.standby,
		StartedAt: o.startedAt.UnixMilli(),
	}
	for s := range o.symbols {
		st.Symbols = append(st.Symbols, s)
	}
	o.mu.Unlock()
	sort.Strings(st.Symbols)

	st.ConnState = o.cfg.Stream.State().String()
	workers, err := o.cfg.Pool.Status(ctx)
	if err != nil {
		return nil, err
	}
	st.Workers = workers
	return st, nil
}

// GetHealthMetrics returns orchestrator-level counters.
func (o *Orchestrator) GetHealthMetrics() HealthMetrics {
	return HealthMetrics{
		TradesIngested:   o.tradesIngested.Load(),
		TradesDispatched: o.tradesDispatched.Load(),
		DispatchErrors:   o.dispatchErrors.Load(),
		GapsRecovered:    o.gapsRecovered.Load(),
		PendingQueues:    int(o.queueCount.Load()),
	}
}

// IsHealthy reports overall liveness: every worker alive and the stream
// connected (or deliberately idle in standby).
func (o *Orchestrator) IsHealthy() bool {
	o.mu.Lock()
	running, standby := o.running, o.standby
	o.mu.Unlock()
	if !running {
		return false
	}
	if !o.cfg.Pool.Healthy() {
		return false
	}
	if standby {
		return true
	}
	s := o.cfg.Stream.State()
	return s == venue.StateConnected || s == venue.StateConnecting || s == venue.StateRotating
}

// fanOut is the single consumer of the inbound trade channel. Per symbol it
// keeps at most one dispatch in flight and buffers the rest, sorted by trade
// id before dispatch, so the aggregator always sees non-decreasing ids.
func (o *Orchestrator) fanOut(ctx context.Context) {
	queues := make(map[string]*symbolQueue)

	start := func(sym string, q *symbolQueue) {
		batch := q.pending
		q.pending = nil
		q.inFlight = true
		sort.Slice(batch, func(i, j int) bool { return batch[i].TradeID < batch[j].TradeID })
		go func() {
			res, err := o.cfg.Pool.RouteTrades(ctx, sym, batch, false)
			if err != nil {
				o.dispatchErrors.Add(1)
				log.Printf("[ingest] dispatch %s (%d trades): %v", sym, len(batch), err)
			} else {
				o.tradesDispatched.Add(int64(res.TradeCount))
			}
			select {
			case o.dispatchDone <- sym:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.tradeCh:
			q := queues[t.Symbol]
			if q == nil {
				q = &symbolQueue{}
				queues[t.Symbol] = q
				o.queueCount.Add(1)
			}
			q.pending = append(q.pending, t)
			if !q.inFlight {
				start(t.Symbol, q)
			}
		case sym := <-o.dispatchDone:
			q := queues[sym]
			if q == nil {
				continue
			}
			q.inFlight = false
			if len(q.pending) > 0 {
				start(sym, q)
			}
		}
	}
}

// recoveryLoop periodically asks the sidecar for recorded gaps and backfills
// them via REST, re-submitting recovered trades with urgent priority.
func (o *Orchestrator) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.recoverGaps(ctx)
		}
	}
}

func (o *Orchestrator) recoverGaps(ctx context.Context) {
	o.mu.Lock()
	symbols := make([]string, 0, len(o.symbols))
	for s := range o.symbols {
		symbols = append(symbols, s)
	}
	o.mu.Unlock()

	for _, sym := range symbols {
		gaps, err := o.cfg.Gaps.ListGaps(ctx, sym, 0)
		if err != nil {
			log.Printf("[ingest] list gaps %s: %v", sym, err)
			continue
		}
		for _, g := range gaps {
			trades, err := o.cfg.Recovery.SyncMissingTrades(ctx, sym, g.StartID, g.EndID)
			if err != nil {
				log.Printf("[ingest] recover %s (%d,%d): %v", sym, g.StartID, g.EndID, err)
				break // rate limit or venue trouble, stop this symbol's batch
			}
			if len(trades) > 0 {
				res, err := o.cfg.Pool.RouteTrades(ctx, sym, trades, true)
				if err != nil {
					log.Printf("[ingest] resubmit recovered %s: %v", sym, err)
					continue // keep the gap recorded, retry next cycle
				}
				o.gapsRecovered.Add(1)
				log.Printf("[ingest] recovered %d/%d trades for %s gap (%d,%d)",
					res.TradeCount, len(trades), sym, g.StartID, g.EndID)
			}
			// The full range was fetched and routed (or the venue no longer
			// serves it); either way the gap is done.
			if err := o.cfg.Gaps.ResolveGap(ctx, sym, g.StartID); err != nil {
				log.Printf("[ingest] resolve gap %s start=%d: %v", sym, g.StartID, err)
			}
		}
	}
}

func symbolNames(configs []model.SymbolConfig) []string {
	out := make([]string, len(configs))
	for i, c := range configs {
		out[i] = c.Symbol
	}
	return out
}
