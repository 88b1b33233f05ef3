package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"footprint-systemv1/internal/model"
)

var errPipeline = errors.New("pipeline failed")

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Errorf("fresh breaker state = %v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errPipeline }); !errors.Is(err, errPipeline) {
			t.Fatalf("publish error should pass through, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("state after 3 failures = %v, want open", cb.CurrentState())
	}

	// Open breaker fails fast without touching Redis.
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not invoke the publish fn")
	}
}

func TestCircuitBreaker_ProbeClosesAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errPipeline })
	}
	if cb.CurrentState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe publish should run: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errPipeline })
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return errPipeline })

	if cb.CurrentState() != StateOpen {
		t.Errorf("state after failed probe = %v, want open", cb.CurrentState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	cb.Execute(func() error { return errPipeline })
	cb.Execute(func() error { return errPipeline })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errPipeline })
	cb.Execute(func() error { return errPipeline })

	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed (success resets the count)", cb.CurrentState())
	}
}

// Mirrors the ingestd wiring: the gauge is fed float64(to) on every
// transition.
func TestCircuitBreaker_StateChangeFeedsGauge(t *testing.T) {
	var gauge []float64
	cb := NewCircuitBreaker(1, 50*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		gauge = append(gauge, float64(to))
	}

	cb.Execute(func() error { return errPipeline })
	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []float64{float64(StateOpen), float64(StateHalfOpen), float64(StateClosed)}
	if len(gauge) != len(want) {
		t.Fatalf("gauge samples = %v, want %v", gauge, want)
	}
	for i := range want {
		if gauge[i] != want[i] {
			t.Fatalf("gauge samples = %v, want %v", gauge, want)
		}
	}
}

// A close transition triggers replay; when Redis is still unreachable the
// replay re-buffers instead of dropping candles.
func TestBufferedPublisher_ReplayFailureKeepsCandles(t *testing.T) {
	pub := &Publisher{client: goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})}
	defer pub.Close()

	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	bp := NewBufferedPublisher(context.Background(), pub, cb, 10)

	cb.Execute(func() error { return errPipeline }) // trip
	for i := 0; i < 2; i++ {
		c := &model.FootprintCandle{
			Venue: model.VenueBinance, Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: 1700000040000 + int64(i)*60000,
		}
		if err := bp.Publish(c); err != nil {
			t.Fatalf("open-circuit publish should buffer: %v", err)
		}
	}
	if bp.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", bp.PendingCount())
	}

	// Probe succeeds, the close transition kicks off the replay, and the
	// replay fails against the dead endpoint.
	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bp.PendingCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d after failed replay, want 2", bp.PendingCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
