package redis

import (
	"context"
	"log"
	"sync"

	"footprint-systemv1/internal/model"
)

// BufferedPublisher wraps a Publisher with a circuit breaker. While the
// circuit is open, candles are buffered in memory and replayed when the
// circuit closes, so a Redis outage never loses completed candles (up to
// the buffer cap).
type BufferedPublisher struct {
	pub *Publisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []*model.FootprintCandle
	maxBuf int

	// Callbacks (optional, for metrics)
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedPublisher wraps pub. maxBufferSize <= 0 defaults to 10000;
// when the buffer is full the oldest candle is dropped.
func NewBufferedPublisher(ctx context.Context, pub *Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]*model.FootprintCandle, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Replay the buffer whenever the circuit closes again.
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}

	return bp
}

// Publish publishes a candle through the circuit breaker. The candle is
// buffered while the circuit is open, and also on a publish failure, so a
// Redis outage costs retention, never candles.
func (bp *BufferedPublisher) Publish(c *model.FootprintCandle) error {
	err := bp.cb.Execute(func() error {
		return bp.pub.publish(bp.ctx, c)
	})
	if err != nil {
		if err != ErrCircuitOpen {
			log.Printf("[redis] publish %s failed, buffering: %v", c.Key(), err)
		}
		bp.bufferCandle(c)
	}
	return nil
}

// Run consumes candles from a channel, typically a fan-out subscription.
func (bp *BufferedPublisher) Run(ctx context.Context, candleCh <-chan *model.FootprintCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			bp.Publish(c)
		}
	}
}

func (bp *BufferedPublisher) bufferCandle(c *model.FootprintCandle) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, c)

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays buffered candles through the underlying publisher. A
// replay failure puts the remainder back at the head of the buffer for the
// next close transition.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]*model.FootprintCandle, 0, 256)
	bp.mu.Unlock()

	for i, c := range toFlush {
		if err := bp.pub.publish(bp.ctx, c); err != nil {
			bp.mu.Lock()
			rest := append([]*model.FootprintCandle{}, toFlush[i:]...)
			bp.buffer = append(rest, bp.buffer...)
			bp.mu.Unlock()
			log.Printf("[redis] replay stalled after %d candles: %v", i, err)
			return
		}
	}

	log.Printf("[redis] flushed %d buffered candles", len(toFlush))
	if bp.OnFlush != nil {
		bp.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of buffered candles waiting for replay.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Underlying returns the wrapped publisher for direct access.
func (bp *BufferedPublisher) Underlying() *Publisher {
	return bp.pub
}
