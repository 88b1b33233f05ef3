package venue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"footprint-systemv1/internal/model"
)

// DefaultRotateAfter opens the replacement connection half an hour before
// Binance's 24-hour connection lifetime would sever the stream.
const DefaultRotateAfter = 23*time.Hour + 30*time.Minute

// RotatorConfig wires a Rotator.
type RotatorConfig struct {
	Conn Config

	// RotateAfter is the primary's service lifetime before a replacement
	// is brought up. Zero means DefaultRotateAfter.
	RotateAfter time.Duration
	// HandoverTimeout bounds how long the rotator waits for the secondary
	// to produce its first trade before cutting over anyway.
	HandoverTimeout time.Duration
}

// Rotator keeps one logical venue stream alive across the venue's forced
// connection lifetime. Shortly before the deadline it opens a secondary
// connection subscribed to the same streams; once the secondary is
// producing trades the primary drains and closes. The overlap window
// produces duplicate trade ids, which the aggregator's dedup floor absorbs.
type Rotator struct {
	cfg RotatorConfig

	mu      sync.Mutex
	primary *Connector
	cancelP context.CancelFunc
	symbols map[string]struct{}

	rotations atomic.Int64

	// newConn is swapped by tests.
	newConn func(Config) *Connector

	OnRotate func()
}

// NewRotator creates an unstarted rotator.
func NewRotator(cfg RotatorConfig) *Rotator {
	if cfg.RotateAfter <= 0 {
		cfg.RotateAfter = DefaultRotateAfter
	}
	if cfg.HandoverTimeout <= 0 {
		cfg.HandoverTimeout = 30 * time.Second
	}
	return &Rotator{
		cfg:     cfg,
		symbols: make(map[string]struct{}),
		newConn: NewConnector,
	}
}

// Run starts the primary connection and rotates it on schedule until ctx is
// cancelled. Blocks.
func (r *Rotator) Run(ctx context.Context) error {
	r.startPrimary(ctx)

	timer := time.NewTimer(r.cfg.RotateAfter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.cancelP != nil {
				r.cancelP()
			}
			r.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
			r.rotate(ctx)
			timer.Reset(r.cfg.RotateAfter)
		}
	}
}

func (r *Rotator) startPrimary(ctx context.Context) {
	conn := r.newConn(r.cfg.Conn)
	cctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.primary = conn
	r.cancelP = cancel
	symbols := r.symbolList()
	r.mu.Unlock()

	conn.Subscribe(symbols)
	go func() {
		if err := conn.Run(cctx); err != nil && cctx.Err() == nil {
			log.Printf("[venue] %s primary ended: %v", r.cfg.Conn.Venue, err)
		}
	}()
}

// rotate performs one zero-gap handover.
func (r *Rotator) rotate(ctx context.Context) {
	r.mu.Lock()
	old := r.primary
	oldCancel := r.cancelP
	symbols := r.symbolList()
	r.mu.Unlock()

	log.Printf("[venue] %s rotating connection (%d symbols)", r.cfg.Conn.Venue, len(symbols))
	if old != nil {
		old.setState(StateRotating)
	}

	// The secondary signals once it has delivered a trade, proving the
	// subscription is live before the primary goes away.
	producing := make(chan struct{})
	var once sync.Once
	cfg := r.cfg.Conn
	userOnTrade := cfg.OnTrade
	cfg.OnTrade = func(t *model.Trade) {
		once.Do(func() { close(producing) })
		if userOnTrade != nil {
			userOnTrade(t)
		}
	}

	next := r.newConn(cfg)
	nctx, ncancel := context.WithCancel(ctx)
	next.Subscribe(symbols)
	go func() {
		if err := next.Run(nctx); err != nil && nctx.Err() == nil {
			log.Printf("[venue] %s secondary ended: %v", r.cfg.Conn.Venue, err)
		}
	}()

	select {
	case <-producing:
	case <-time.After(r.cfg.HandoverTimeout):
		log.Printf("[venue] %s secondary produced nothing within %s, cutting over anyway",
			r.cfg.Conn.Venue, r.cfg.HandoverTimeout)
	case <-ctx.Done():
		ncancel()
		return
	}

	r.mu.Lock()
	r.primary = next
	r.cancelP = ncancel
	r.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close()
	}
	r.rotations.Add(1)
	if r.OnRotate != nil {
		r.OnRotate()
	}
}

// Subscribe adds symbols on the live connection and remembers them for
// future rotations.
func (r *Rotator) Subscribe(symbols []string) error {
	r.mu.Lock()
	for _, s := range symbols {
		r.symbols[s] = struct{}{}
	}
	conn := r.primary
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Subscribe(symbols)
}

// Unsubscribe removes symbols from the live connection and the rotation set.
func (r *Rotator) Unsubscribe(symbols []string) error {
	r.mu.Lock()
	for _, s := range symbols {
		delete(r.symbols, s)
	}
	conn := r.primary
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Unsubscribe(symbols)
}

// State reports the live connection's state.
func (r *Rotator) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primary == nil {
		return StateDisconnected
	}
	return r.primary.State()
}

// Rotations returns how many handovers have completed.
func (r *Rotator) Rotations() int64 { return r.rotations.Load() }

func (r *Rotator) symbolList() []string {
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	return out
}
