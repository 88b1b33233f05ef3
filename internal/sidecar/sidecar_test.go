package sidecar

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"footprint-systemv1/internal/model"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ID: "abc-123", Type: TypePing}
	if err := writeFrame(&buf, req); err != nil {
		t.Fatal(err)
	}

	// 4-byte big-endian length prefix.
	raw := buf.Bytes()
	n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	if n != len(raw)-4 {
		t.Fatalf("length prefix %d, payload %d", n, len(raw)-4)
	}

	var got Request
	if err := readFrame(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != req.ID || got.Type != req.Type {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestFrame_BadLength(t *testing.T) {
	var got Request
	err := readFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 1}), &got)
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func startTestSidecar(t *testing.T) (*Client, *Server) {
	t.Helper()
	dir := t.TempDir()
	srv, err := NewServer(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	socketPath := filepath.Join(dir, "sidecar.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, socketPath)

	client := NewClient(socketPath)
	t.Cleanup(func() { client.Close() })

	// Wait for the listener.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := client.Ping(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sidecar did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return client, srv
}

func TestSidecar_StateRoundTrip(t *testing.T) {
	client, _ := startTestSidecar(t)
	ctx := context.Background()

	candle := &model.FootprintCandle{
		Venue: model.VenueBinance, Symbol: "BTCUSDT", Interval: "1m",
		OpenTime: 1700000040000, Open: 100, High: 101, Low: 99, Close: 100,
	}
	batch := []model.DirtyCandle{
		{Symbol: "BTCUSDT", LastTradeID: 42, Candle: candle},
		{Symbol: "ETHUSDT", LastTradeID: 7},
	}
	if err := client.WriteDirty(ctx, batch); err != nil {
		t.Fatal(err)
	}

	states, err := client.LoadStatesForSymbols(ctx, []string{"BTCUSDT", "ETHUSDT", "UNKNOWN"})
	if err != nil {
		t.Fatal(err)
	}
	if states["BTCUSDT"] != 42 || states["ETHUSDT"] != 7 {
		t.Fatalf("states = %v", states)
	}
	if _, ok := states["UNKNOWN"]; ok {
		t.Fatal("unknown symbol must be absent from the result")
	}

	// last_trade_id never moves backwards.
	if err := client.WriteDirty(ctx, []model.DirtyCandle{{Symbol: "BTCUSDT", LastTradeID: 10}}); err != nil {
		t.Fatal(err)
	}
	states, err = client.LoadStatesForSymbols(ctx, []string{"BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if states["BTCUSDT"] != 42 {
		t.Fatalf("last trade id regressed to %d", states["BTCUSDT"])
	}
}

func TestSidecar_Gaps(t *testing.T) {
	client, _ := startTestSidecar(t)
	ctx := context.Background()

	gap := model.TradeGap{Symbol: "BTCUSDT", StartID: 10, EndID: 13, SeenAt: 1700000000000}
	if err := client.RecordGap(ctx, gap); err != nil {
		t.Fatal(err)
	}

	gaps, err := client.ListGaps(ctx, "BTCUSDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 || gaps[0] != gap {
		t.Fatalf("gaps = %+v", gaps)
	}
	if gaps[0].Missing() != 2 {
		t.Errorf("missing = %d, want 2", gaps[0].Missing())
	}

	// since filter excludes older gaps
	gaps, err = client.ListGaps(ctx, "BTCUSDT", 1700000000001)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps after since filter, got %d", len(gaps))
	}
}

func TestSidecar_ResolveGap(t *testing.T) {
	client, _ := startTestSidecar(t)
	ctx := context.Background()

	for _, g := range []model.TradeGap{
		{Symbol: "BTCUSDT", StartID: 10, EndID: 13, SeenAt: 1700000000000},
		{Symbol: "BTCUSDT", StartID: 20, EndID: 25, SeenAt: 1700000000000},
	} {
		if err := client.RecordGap(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	if err := client.ResolveGap(ctx, "BTCUSDT", 10); err != nil {
		t.Fatal(err)
	}
	gaps, err := client.ListGaps(ctx, "BTCUSDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 || gaps[0].StartID != 20 {
		t.Fatalf("gaps after resolve = %+v", gaps)
	}

	// Resolving a gap that no longer exists is a no-op.
	if err := client.ResolveGap(ctx, "BTCUSDT", 999); err != nil {
		t.Fatal(err)
	}
}

func TestSidecar_DropSymbol(t *testing.T) {
	client, _ := startTestSidecar(t)
	ctx := context.Background()

	if err := client.WriteDirty(ctx, []model.DirtyCandle{{Symbol: "BTCUSDT", LastTradeID: 5}}); err != nil {
		t.Fatal(err)
	}
	if err := client.DropSymbol(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	states, err := client.LoadStatesForSymbols(ctx, []string{"BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Fatalf("state survived drop: %v", states)
	}
}

func TestClient_BuffersWhenSidecarDown(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(200 * time.Millisecond)

	batch := []model.DirtyCandle{{Symbol: "BTCUSDT", LastTradeID: 1}}
	// WriteDirty reports success and buffers while the sidecar is down.
	if err := client.WriteDirty(context.Background(), batch); err != nil {
		t.Fatalf("dirty write should buffer, not fail: %v", err)
	}
	if client.PendingDirty() != 1 {
		t.Fatalf("pending = %d, want 1", client.PendingDirty())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	if err := cb.Execute(fail); !errors.Is(err, boom) {
		t.Fatal("first failure should pass through")
	}
	if cb.CurrentState() != BreakerClosed {
		t.Fatal("one failure should not trip")
	}
	cb.Execute(fail)
	if cb.CurrentState() != BreakerOpen {
		t.Fatal("two failures should trip the breaker")
	}

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker must reject: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.CurrentState() != BreakerClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	boom := errors.New("boom")
	cb.Execute(func() error { return boom })
	time.Sleep(20 * time.Millisecond)
	cb.Execute(func() error { return boom }) // half-open probe fails
	if cb.CurrentState() != BreakerOpen {
		t.Fatal("failed probe should reopen")
	}
}

func TestSupervisor_RestartWindow(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{Binary: "/bin/true", MaxRestarts: 3, Window: time.Hour})
	for i := 0; i < 3; i++ {
		if !s.allowStart() {
			t.Fatalf("start %d should be allowed", i)
		}
	}
	if s.allowStart() {
		t.Fatal("fourth start inside window should be denied")
	}
	if s.Healthy() {
		t.Fatal("supervisor should report unhealthy after exhaustion")
	}
}
