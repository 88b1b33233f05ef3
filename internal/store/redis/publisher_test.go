package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"footprint-systemv1/internal/model"
)

func TestKeys(t *testing.T) {
	c := &model.FootprintCandle{
		Venue:    model.VenueBinance,
		Symbol:   "BTCUSDT",
		Interval: "1m",
	}
	if got := StreamKey(c); got != "fp:candles:1m:BINANCE:BTCUSDT" {
		t.Errorf("StreamKey = %q", got)
	}
	if got := LatestKey(c); got != "fp:latest:1m:BINANCE:BTCUSDT" {
		t.Errorf("LatestKey = %q", got)
	}
	if got := PubSubChannel(c); got != "fp:pub:1m:BINANCE:BTCUSDT" {
		t.Errorf("PubSubChannel = %q", got)
	}
}

func TestStreamMaxLen(t *testing.T) {
	// 3 days of 1m candles
	if got := streamMaxLen("1m"); got != 4320 {
		t.Errorf("1m: expected 4320, got %d", got)
	}
	// 1d would trim below the floor
	if got := streamMaxLen("1d"); got != streamMinLen {
		t.Errorf("1d: expected %d, got %d", streamMinLen, got)
	}
	if got := streamMaxLen("bogus"); got != streamMinLen {
		t.Errorf("bogus interval: expected %d, got %d", streamMinLen, got)
	}
}

func TestBufferedPublisher_BuffersWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	// Trip the breaker so Publish never reaches the (absent) Redis server.
	cb.Execute(func() error { return errors.New("down") })
	if cb.CurrentState() != StateOpen {
		t.Fatal("expected open breaker")
	}

	bp := NewBufferedPublisher(context.Background(), &Publisher{}, cb, 2)

	c := &model.FootprintCandle{Venue: model.VenueBinance, Symbol: "BTCUSDT", Interval: "1m"}
	for i := 0; i < 3; i++ {
		if err := bp.Publish(c); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Cap is 2: oldest dropped, newest kept.
	if got := bp.PendingCount(); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
}
