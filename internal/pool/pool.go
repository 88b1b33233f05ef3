package pool

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"footprint-systemv1/internal/model"
)

// Config wires a Pool.
type Config struct {
	Workers  int
	Venue    model.Venue
	Interval string

	States model.StateStore
	Gaps   model.GapRecorder
	// Emit receives completed candles from every worker. Must not block.
	Emit func(*model.FootprintCandle)

	SidecarSocket string
	FlushInterval time.Duration

	ReadyTimeout       time.Duration
	SpawnAttempts      int
	MaxCrashesInWindow int
	CrashWindow        time.Duration
	DispatchTimeout    time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.SpawnAttempts <= 0 {
		c.SpawnAttempts = 3
	}
	if c.MaxCrashesInWindow <= 0 {
		c.MaxCrashesInWindow = 3
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = 5 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
}

// Pool runs a fixed set of worker shards behind a consistent-hash ring.
// Worker ids are stable for the life of the pool; a crashed worker respawns
// under the same id with its symbol set preserved, so routing never moves.
type Pool struct {
	cfg  Config
	ring *Ring

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[string]*worker
	cancels     map[string]context.CancelFunc
	assignments map[string]map[string]model.SymbolConfig // workerID -> symbol -> config
	crashes     map[string][]time.Time
	failed      map[string]bool

	// preStart, when set, runs before each spawn attempt; a non-nil error
	// fails that attempt. Used to exercise the retry path in tests.
	preStart func(workerID string, attempt int) error

	OnCritical    func(reason string)
	OnWorkerCrash func(workerID string)
}

// New creates an unstarted pool.
func New(cfg Config) *Pool {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	ids := make([]string, cfg.Workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("worker-%d", i)
	}
	return &Pool{
		cfg:         cfg,
		ring:        NewRing(ids),
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*worker),
		cancels:     make(map[string]context.CancelFunc),
		assignments: make(map[string]map[string]model.SymbolConfig),
		crashes:     make(map[string][]time.Time),
		failed:      make(map[string]bool),
	}
}

// Initialize spawns every worker and blocks until all signal readiness.
// Partial readiness is a startup failure: the pool is torn down and the
// caller may retry from scratch.
func (p *Pool) Initialize(ctx context.Context) error {
	for _, id := range p.ring.Members() {
		if err := p.spawnWithRetry(id); err != nil {
			p.cancel()
			return fmt.Errorf("pool: spawn %s: %w", id, err)
		}
	}
	log.Printf("[pool] %d workers ready", p.cfg.Workers)
	return nil
}

// spawnWithRetry brings up one worker, retrying with exponential backoff
// (1s, 2s, 4s, capped at 10s) up to the configured attempt budget.
func (p *Pool) spawnWithRetry(id string) error {
	b := &backoff.Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SpawnAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(b.Duration())
		}
		if lastErr = p.spawn(id, attempt); lastErr == nil {
			return nil
		}
		log.Printf("[pool] spawn %s attempt %d/%d: %v", id, attempt, p.cfg.SpawnAttempts, lastErr)
	}
	return lastErr
}

// spawn starts one worker goroutine and waits for WORKER_READY.
func (p *Pool) spawn(id string, attempt int) error {
	p.mu.Lock()
	hook := p.preStart
	p.mu.Unlock()
	if hook != nil {
		if err := hook(id, attempt); err != nil {
			return err
		}
	}

	w := newWorker(id, workerDeps{
		venue:      p.cfg.Venue,
		interval:   p.cfg.Interval,
		states:     p.cfg.States,
		gaps:       p.cfg.Gaps,
		emit:       p.cfg.Emit,
		flushEvery: p.cfg.FlushInterval,
	})

	wctx, wcancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.workers[id] = w
	p.cancels[id] = wcancel
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.handleCrash(id, r)
			}
		}()
		w.run(wctx)
	}()

	select {
	case <-w.ready:
		return nil
	case <-time.After(p.cfg.ReadyTimeout):
		wcancel()
		return fmt.Errorf("worker %s not ready after %s", id, p.cfg.ReadyTimeout)
	}
}

// handleCrash respawns a crashed worker under the same id, restoring its
// symbol set so it can reload dedup floors from the sidecar. Exceeding the
// crash budget inside the sliding window marks the worker permanently
// failed and escalates.
func (p *Pool) handleCrash(id string, reason any) {
	log.Printf("[pool] %s crashed: %v", id, reason)
	if p.OnWorkerCrash != nil {
		p.OnWorkerCrash(id)
	}

	p.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-p.cfg.CrashWindow)
	kept := p.crashes[id][:0]
	for _, t := range p.crashes[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.crashes[id] = append(kept, now)
	over := len(p.crashes[id]) > p.cfg.MaxCrashesInWindow
	if over {
		p.failed[id] = true
	}
	// Captured before teardown; the respawned worker re-owns exactly this set.
	preserved := p.assignments[id]
	p.mu.Unlock()

	if over {
		msg := fmt.Sprintf("worker %s exceeded %d crashes in %s, permanently failed",
			id, p.cfg.MaxCrashesInWindow, p.cfg.CrashWindow)
		log.Printf("[pool] %s", msg)
		if p.OnCritical != nil {
			p.OnCritical(msg)
		}
		return
	}

	if err := p.spawnWithRetry(id); err != nil {
		p.mu.Lock()
		p.failed[id] = true
		p.mu.Unlock()
		if p.OnCritical != nil {
			p.OnCritical(fmt.Sprintf("worker %s respawn failed: %v", id, err))
		}
		return
	}
	if len(preserved) > 0 {
		if err := p.initWorker(p.ctx, id, preserved); err != nil {
			log.Printf("[pool] %s re-init after crash: %v", id, err)
		}
	}
}

// AssignSymbol routes a symbol to its worker, records the assignment and
// pushes the config via SYMBOL_ASSIGNMENT. Returns the owning worker id.
func (p *Pool) AssignSymbol(ctx context.Context, symbol string, cfg model.SymbolConfig) (string, error) {
	id := p.ring.Route(symbol)

	p.mu.Lock()
	if p.assignments[id] == nil {
		p.assignments[id] = make(map[string]model.SymbolConfig)
	}
	p.assignments[id][symbol] = cfg
	w := p.workers[id]
	p.mu.Unlock()

	if w == nil {
		return "", fmt.Errorf("pool: no worker for %s", symbol)
	}
	m := newMessage(MsgSymbolAssignment)
	m.Symbol = symbol
	m.Config = &cfg
	if _, err := p.deliver(ctx, w, m, false); err != nil {
		return "", err
	}
	return id, nil
}

// InitWorkers sends WORKER_INIT to every worker, including those with no
// symbols so their flush timers start. Blocks until all acknowledge.
func (p *Pool) InitWorkers(ctx context.Context) error {
	for _, id := range p.ring.Members() {
		p.mu.Lock()
		assigned := p.assignments[id]
		p.mu.Unlock()
		if err := p.initWorker(ctx, id, assigned); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) initWorker(ctx context.Context, id string, assigned map[string]model.SymbolConfig) error {
	p.mu.Lock()
	w := p.workers[id]
	p.mu.Unlock()
	if w == nil {
		return fmt.Errorf("pool: unknown worker %s", id)
	}

	payload := &InitPayload{SocketPath: p.cfg.SidecarSocket, Configs: assigned}
	for sym := range assigned {
		payload.AssignedSymbols = append(payload.AssignedSymbols, sym)
	}
	sort.Strings(payload.AssignedSymbols)

	m := newMessage(MsgWorkerInit)
	m.Init = payload
	res, err := p.deliver(ctx, w, m, false)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("pool: init %s: %w", id, res.Err)
	}
	return nil
}

// Route returns the worker id owning symbol.
func (p *Pool) Route(symbol string) string { return p.ring.Route(symbol) }

// RouteTrades dispatches one PROCESS_TRADES batch to the owning worker and
// waits for its result. Urgent batches (recovered trades) take the priority
// inbox. A full inbox blocks the caller: back-pressure, never silent drops.
func (p *Pool) RouteTrades(ctx context.Context, symbol string, trades []*model.Trade, urgent bool) (Result, error) {
	id := p.ring.Route(symbol)

	p.mu.Lock()
	w := p.workers[id]
	dead := p.failed[id]
	p.mu.Unlock()

	if dead {
		return Result{}, fmt.Errorf("pool: worker %s permanently failed", id)
	}
	if w == nil {
		return Result{}, fmt.Errorf("pool: no worker for %s", symbol)
	}

	m := newMessage(MsgProcessTrades)
	m.Symbol = symbol
	m.Trades = trades
	m.Urgent = urgent
	return p.deliver(ctx, w, m, urgent)
}

// deliver enqueues a message (blocking on a full inbox) and waits for the
// correlated reply. On timeout the correlation id is abandoned; the reply
// channel is buffered so the worker never blocks answering it.
func (p *Pool) deliver(ctx context.Context, w *worker, m *Message, urgent bool) (Result, error) {
	inbox := w.normal
	if urgent {
		inbox = w.urgent
	}

	timeout := time.NewTimer(p.cfg.DispatchTimeout)
	defer timeout.Stop()

	select {
	case inbox <- m:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timeout.C:
		return Result{}, fmt.Errorf("pool: %s inbox full, enqueue timed out", w.id)
	}

	select {
	case res := <-m.Reply:
		if res.ID != m.ID {
			return Result{}, fmt.Errorf("pool: correlation mismatch %s != %s", res.ID, m.ID)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timeout.C:
		return Result{}, fmt.Errorf("pool: %s reply timed out for %s", w.id, m.Type)
	}
}

// liveWorker returns the current worker registered under id.
func (p *Pool) liveWorker(id string) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[id]
}

// Status gathers a WORKER_STATUS snapshot from every live worker.
func (p *Pool) Status(ctx context.Context) ([]*WorkerStatus, error) {
	var out []*WorkerStatus
	for _, id := range p.ring.Members() {
		p.mu.Lock()
		w := p.workers[id]
		crashes := len(p.crashes[id])
		dead := p.failed[id]
		p.mu.Unlock()
		if w == nil {
			continue
		}
		if dead {
			out = append(out, &WorkerStatus{WorkerID: id, Crashes: crashes})
			continue
		}
		res, err := p.deliver(ctx, w, newMessage(MsgWorkerStatus), false)
		if err != nil {
			return nil, err
		}
		if res.Status != nil {
			res.Status.Crashes = crashes
			out = append(out, res.Status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// Healthy reports whether every worker is live.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failed) == 0
}

// RemoveSymbol clears the assignment record and drops worker-side state.
func (p *Pool) RemoveSymbol(ctx context.Context, symbol string) error {
	id := p.ring.Route(symbol)
	p.mu.Lock()
	delete(p.assignments[id], symbol)
	w := p.workers[id]
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	w.agg.DropSymbol(symbol)
	return nil
}

// Shutdown flushes and stops every worker, then tears the pool down.
func (p *Pool) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, id := range p.ring.Members() {
		p.mu.Lock()
		w := p.workers[id]
		dead := p.failed[id]
		p.mu.Unlock()
		if w == nil || dead {
			continue
		}
		res, err := p.deliver(ctx, w, newMessage(MsgShutdown), false)
		if err == nil && !res.Success {
			err = res.Err
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pool: shutdown %s: %w", id, err)
		}
	}
	p.cancel()
	return firstErr
}
