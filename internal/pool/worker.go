package pool

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"footprint-systemv1/internal/footprint"
	"footprint-systemv1/internal/model"
)

const (
	normalInboxSize = 1024
	urgentInboxSize = 256
)

// workerDeps is everything a worker needs from the outside world.
type workerDeps struct {
	venue      model.Venue
	interval   string
	states     model.StateStore
	gaps       model.GapRecorder
	emit       func(*model.FootprintCandle)
	flushEvery time.Duration
}

// worker owns one shard of symbols. Its inbox is consumed strictly in order
// by a single goroutine; urgent messages (recovered trades) jump ahead of
// normal ones. No candle state ever crosses worker boundaries.
type worker struct {
	id     string
	normal chan *Message
	urgent chan *Message
	ready  chan struct{}

	agg  *footprint.Aggregator
	deps workerDeps

	assigned map[string]struct{}

	tradesProcessed atomic.Int64
	candlesEmitted  atomic.Int64
	duplicates      atomic.Int64
	gapsDetected    atomic.Int64
}

func newWorker(id string, deps workerDeps) *worker {
	w := &worker{
		id:       id,
		normal:   make(chan *Message, normalInboxSize),
		urgent:   make(chan *Message, urgentInboxSize),
		ready:    make(chan struct{}),
		deps:     deps,
		assigned: make(map[string]struct{}),
	}
	w.agg = footprint.New(footprint.Config{
		Venue:    deps.venue,
		Interval: deps.interval,
		States:   deps.states,
		Gaps:     deps.gaps,
		Emit: func(c *model.FootprintCandle) {
			w.candlesEmitted.Add(1)
			if deps.emit != nil {
				deps.emit(c)
			}
		},
	})
	w.agg.OnDuplicate = func() { w.duplicates.Add(1) }
	w.agg.OnGap = func(int64) { w.gapsDetected.Add(1) }
	return w
}

// send enqueues m on the appropriate inbox, honoring priority.
func (w *worker) send(m *Message, urgent bool) bool {
	inbox := w.normal
	if urgent {
		inbox = w.urgent
	}
	select {
	case inbox <- m:
		return true
	default:
		return false
	}
}

// run is the worker main loop. Signals readiness once, then consumes the
// inbox until SHUTDOWN or ctx cancellation. Returns normally only on
// graceful shutdown; a panic escapes to the pool's crash handler.
func (w *worker) run(ctx context.Context) {
	flushEvery := w.deps.flushEvery
	if flushEvery <= 0 {
		flushEvery = footprint.DefaultFlushInterval
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	close(w.ready)

	for {
		// Drain urgent work before touching the normal inbox.
		select {
		case m := <-w.urgent:
			if w.handle(m) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case m := <-w.urgent:
			if w.handle(m) {
				return
			}
		case m := <-w.normal:
			if w.handle(m) {
				return
			}
		case <-ticker.C:
			if err := w.agg.Flush(ctx); err != nil {
				log.Printf("[pool] %s flush: %v", w.id, err)
			}
		}
	}
}

// handle processes one message and replies. Returns true on SHUTDOWN.
func (w *worker) handle(m *Message) (stop bool) {
	if m.poison {
		panic("poison message")
	}
	start := time.Now()
	res := Result{ID: m.ID, WorkerID: w.id, Success: true}

	switch m.Type {
	case MsgProcessTrades:
		var n int
		if m.Urgent {
			n = w.agg.ProcessRecoveredTrades(m.Symbol, m.Trades)
		} else {
			n = w.agg.ProcessTrades(m.Symbol, m.Trades)
		}
		w.tradesProcessed.Add(int64(n))
		res.TradeCount = n

	case MsgSymbolAssignment:
		if m.Config != nil {
			w.agg.ApplyConfig(m.Symbol, *m.Config)
		}
		w.assigned[m.Symbol] = struct{}{}

	case MsgWorkerInit:
		res.Err = w.init(m.Init)
		res.Success = res.Err == nil

	case MsgWorkerStatus:
		res.Status = w.status()

	case MsgSyncMetrics, MsgHeartbeat:
		// Liveness and metric pulls carry no payload.

	case MsgShutdown:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res.Err = w.agg.FlushAll(ctx)
		cancel()
		res.Success = res.Err == nil
		stop = true

	default:
		res.Success = false
		log.Printf("[pool] %s unknown message type %s", w.id, m.Type)
	}

	res.ProcessingTime = time.Since(start)
	if m.Reply != nil {
		select {
		case m.Reply <- res:
		default:
		}
	}
	return stop
}

// init applies configs, records ownership and loads dedup floors.
func (w *worker) init(p *InitPayload) error {
	if p == nil {
		return nil
	}
	for sym, cfg := range p.Configs {
		w.agg.ApplyConfig(sym, cfg)
	}
	for _, sym := range p.AssignedSymbols {
		w.assigned[sym] = struct{}{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.agg.LoadStates(ctx, p.AssignedSymbols)
}

func (w *worker) status() *WorkerStatus {
	symbols := make([]string, 0, len(w.assigned))
	for s := range w.assigned {
		symbols = append(symbols, s)
	}
	return &WorkerStatus{
		WorkerID:        w.id,
		AssignedSymbols: symbols,
		TradesProcessed: w.tradesProcessed.Load(),
		CandlesEmitted:  w.candlesEmitted.Load(),
		Duplicates:      w.duplicates.Load(),
		GapsDetected:    w.gapsDetected.Load(),
		InboxDepth:      len(w.normal) + len(w.urgent),
	}
}

func (w *worker) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.agg.FlushAll(ctx); err != nil {
		log.Printf("[pool] %s shutdown flush: %v", w.id, err)
	}
}
