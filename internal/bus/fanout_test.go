package bus

import (
	"context"
	"testing"
	"time"

	"footprint-systemv1/internal/model"
)

func testCandle(symbol string) *model.FootprintCandle {
	return &model.FootprintCandle{
		Venue:    model.VenueBinance,
		Symbol:   symbol,
		Interval: "1m",
		OpenTime: 1700000040000,
		Open:     100, High: 110, Low: 90, Close: 105,
		Complete: true,
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe()
	out2 := fo.Subscribe()

	input := make(chan *model.FootprintCandle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- testCandle("BTCUSDT")

	for i, out := range []<-chan *model.FootprintCandle{out1, out2} {
		select {
		case c := <-out:
			if c.Symbol != "BTCUSDT" {
				t.Errorf("out%d: expected symbol BTCUSDT, got %s", i+1, c.Symbol)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for candle", i+1)
		}
	}
}

func TestFanOut_DropsForSlowConsumer(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe()

	dropped := make(chan struct{}, 8)
	fo.OnDrop = func(idx int) {
		dropped <- struct{}{}
	}

	input := make(chan *model.FootprintCandle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	// First candle fills the buffer, second must be dropped.
	input <- testCandle("ETHUSDT")
	input <- testCandle("ETHUSDT")

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("expected OnDrop for the slow subscriber")
	}

	select {
	case c := <-slow:
		if c.Symbol != "ETHUSDT" {
			t.Errorf("expected ETHUSDT, got %s", c.Symbol)
		}
	default:
		t.Fatal("expected first candle to be buffered")
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(4)
	fo.Subscribe()
	fo.Subscribe()

	stats := fo.ChannelStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 channel stats, got %d", len(stats))
	}
	for _, s := range stats {
		if s.Cap != 4 || s.Len != 0 {
			t.Errorf("expected len=0 cap=4, got len=%d cap=%d", s.Len, s.Cap)
		}
	}
}
