package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"footprint-systemv1/internal/model"
	"footprint-systemv1/internal/pool"
	"footprint-systemv1/internal/venue"
)

type fakeStream struct {
	mu         sync.Mutex
	subscribed map[string]int
	running    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{subscribed: make(map[string]int)}
}

func (f *fakeStream) Run(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStream) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subscribed[s]++
	}
	return nil
}

func (f *fakeStream) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	return nil
}

func (f *fakeStream) State() venue.ConnState { return venue.StateConnected }

func (f *fakeStream) subCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[symbol]
}

type fakeRepo struct {
	active []model.SymbolConfig
}

func (r *fakeRepo) ActiveSymbols(model.Venue) ([]model.SymbolConfig, error) {
	return r.active, nil
}

func (r *fakeRepo) SymbolConfig(v model.Venue, symbol string) (*model.SymbolConfig, error) {
	for i := range r.active {
		if r.active[i].Symbol == symbol {
			return &r.active[i], nil
		}
	}
	return &model.SymbolConfig{
		Venue: v, Symbol: symbol, TickValue: 0.1, BinMultiplier: 1, Active: true, Revision: 1,
	}, nil
}

func (r *fakeRepo) WSURL(model.Venue) (string, error)   { return "wss://example/ws", nil }
func (r *fakeRepo) RESTURL(model.Venue) (string, error) { return "https://example", nil }

type fakeGaps struct {
	mu   sync.Mutex
	gaps []model.TradeGap
}

func (f *fakeGaps) ListGaps(_ context.Context, symbol string, _ int64) ([]model.TradeGap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TradeGap
	for _, g := range f.gaps {
		if g.Symbol == symbol {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGaps) ResolveGap(_ context.Context, symbol string, startID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.gaps[:0]
	for _, g := range f.gaps {
		if g.Symbol == symbol && g.StartID == startID {
			continue
		}
		kept = append(kept, g)
	}
	f.gaps = kept
	return nil
}

type fakeRecovery struct {
	fetches atomic.Int64
}

func (f *fakeRecovery) SyncMissingTrades(_ context.Context, symbol string, startID, endID int64) ([]*model.Trade, error) {
	f.fetches.Add(1)
	base := int64(1700000040000)
	var out []*model.Trade
	for id := startID + 1; id < endID; id++ {
		out = append(out, &model.Trade{
			Venue: model.VenueBinance, Symbol: symbol,
			TradeID: id, EventTime: base + id, TradeTime: base + id,
			Price: 100.0, PriceStr: "100.0", Quantity: 1,
		})
	}
	return out, nil
}

func activeConfig(symbol string) model.SymbolConfig {
	return model.SymbolConfig{
		Venue: model.VenueBinance, Symbol: symbol,
		TickValue: 0.1, BinMultiplier: 1, Active: true, Status: model.StatusActive, Revision: 1,
	}
}

func newTestOrchestrator(t *testing.T, repo *fakeRepo) (*Orchestrator, *fakeStream) {
	t.Helper()
	stream := newFakeStream()
	p := pool.New(pool.Config{
		Workers:         2,
		Venue:           model.VenueBinance,
		Interval:        "1m",
		DispatchTimeout: 2 * time.Second,
		ReadyTimeout:    2 * time.Second,
	})
	o := New(Config{
		Venue:    model.VenueBinance,
		Interval: "1m",
		Repo:     repo,
		Pool:     p,
		Stream:   stream,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	return o, stream
}

func TestOrchestrator_StartSubscribesActiveSymbols(t *testing.T) {
	repo := &fakeRepo{active: []model.SymbolConfig{activeConfig("BTCUSDT"), activeConfig("ETHUSDT")}}
	o, stream := newTestOrchestrator(t, repo)

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if stream.subCount("BTCUSDT") != 1 || stream.subCount("ETHUSDT") != 1 {
		t.Fatalf("subscriptions = %v", stream.subscribed)
	}

	st, err := o.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.Standby || len(st.Symbols) != 2 || len(st.Workers) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if !o.IsHealthy() {
		t.Fatal("freshly started orchestrator should be healthy")
	}
}

func TestOrchestrator_StandbyThenAddSymbols(t *testing.T) {
	repo := &fakeRepo{}
	o, stream := newTestOrchestrator(t, repo)

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := o.GetStatus(context.Background())
	if !st.Standby {
		t.Fatal("empty symbol set must enter standby")
	}
	if !o.IsHealthy() {
		t.Fatal("standby is a healthy state")
	}

	if err := o.AddSymbols(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	// Idempotent: the duplicate is a no-op.
	if err := o.AddSymbols(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	if stream.subCount("BTCUSDT") != 1 {
		t.Fatalf("subscribe count = %d, want 1", stream.subCount("BTCUSDT"))
	}
	st, _ = o.GetStatus(context.Background())
	if st.Standby || len(st.Symbols) != 1 {
		t.Fatalf("status after add = %+v", st)
	}
}

func TestOrchestrator_TradeFlowAndOrdering(t *testing.T) {
	repo := &fakeRepo{active: []model.SymbolConfig{activeConfig("BTCUSDT")}}
	o, _ := newTestOrchestrator(t, repo)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := int64(1700000040000)
	for i := int64(1); i <= 50; i++ {
		o.HandleTrade(&model.Trade{
			Venue: model.VenueBinance, Symbol: "BTCUSDT",
			TradeID: i, EventTime: base + i, TradeTime: base + i,
			Price: 100.0, PriceStr: "100.0", Quantity: 1,
		})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		m := o.GetHealthMetrics()
		if m.TradesDispatched == 50 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatched %d/50 (errors %d)", m.TradesDispatched, m.DispatchErrors)
		}
		time.Sleep(20 * time.Millisecond)
	}

	m := o.GetHealthMetrics()
	if m.TradesIngested != 50 || m.DispatchErrors != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	// Every trade counted exactly once means ordering held: any reordering
	// inside the dedup window would have dropped ids as duplicates.
}

func TestOrchestrator_RecoveredGapNotRefetched(t *testing.T) {
	repo := &fakeRepo{active: []model.SymbolConfig{activeConfig("BTCUSDT")}}
	stream := newFakeStream()
	gaps := &fakeGaps{gaps: []model.TradeGap{
		{Symbol: "BTCUSDT", StartID: 10, EndID: 14, SeenAt: 1700000000000},
	}}
	rec := &fakeRecovery{}
	p := pool.New(pool.Config{
		Workers:         2,
		Venue:           model.VenueBinance,
		Interval:        "1m",
		DispatchTimeout: 2 * time.Second,
		ReadyTimeout:    2 * time.Second,
	})
	o := New(Config{
		Venue:    model.VenueBinance,
		Interval: "1m",
		Repo:     repo,
		Pool:     p,
		Stream:   stream,
		Recovery: rec,
		Gaps:     gaps,
		// Cycles are driven by hand below.
		RecoveryInterval: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	o.recoverGaps(ctx)
	if n := rec.fetches.Load(); n != 1 {
		t.Fatalf("fetches after first cycle = %d, want 1", n)
	}
	if m := o.GetHealthMetrics(); m.GapsRecovered != 1 {
		t.Fatalf("gaps recovered = %d, want 1", m.GapsRecovered)
	}
	remaining, _ := gaps.ListGaps(ctx, "BTCUSDT", 0)
	if len(remaining) != 0 {
		t.Fatalf("gap still recorded after recovery: %+v", remaining)
	}

	// The resolved gap must not hit REST again, and the recovered counter
	// must not inflate.
	o.recoverGaps(ctx)
	if n := rec.fetches.Load(); n != 1 {
		t.Fatalf("fetches after second cycle = %d, want 1", n)
	}
	if m := o.GetHealthMetrics(); m.GapsRecovered != 1 {
		t.Fatalf("gaps recovered inflated to %d", m.GapsRecovered)
	}
}

func TestOrchestrator_RemoveSymbols(t *testing.T) {
	repo := &fakeRepo{active: []model.SymbolConfig{activeConfig("BTCUSDT")}}
	o, stream := newTestOrchestrator(t, repo)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := o.RemoveSymbols(context.Background(), []string{"BTCUSDT", "UNKNOWN"}); err != nil {
		t.Fatal(err)
	}
	if stream.subCount("BTCUSDT") != 0 {
		t.Fatal("symbol still subscribed after removal")
	}
	st, _ := o.GetStatus(context.Background())
	if len(st.Symbols) != 0 {
		t.Fatalf("symbols = %v", st.Symbols)
	}
}

func TestOrchestrator_DoubleStartFails(t *testing.T) {
	repo := &fakeRepo{}
	o, _ := newTestOrchestrator(t, repo)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestOrchestrator_NotHealthyBeforeStart(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeRepo{})
	if o.IsHealthy() {
		t.Fatal("unstarted orchestrator cannot be healthy")
	}
}
