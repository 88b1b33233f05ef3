// Package redis publishes completed footprint candles to Redis for live
// consumers: an XADD per candle into a trimmed stream, a SET of the latest
// candle with TTL, and a PUBLISH for pubsub subscribers.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"footprint-systemv1/internal/model"
)

const (
	// Streams keep roughly three days of candles; floor keeps short
	// intervals from trimming to nothing.
	streamRetention  = 3 * 24 * time.Hour
	streamMinLen     = 200
	defaultLatestTTL = 30 * time.Minute
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes completed footprint candles to Redis.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// Run reads completed candles from candleCh and publishes them.
// Blocks until ctx is cancelled or candleCh is closed.
func (p *Publisher) Run(ctx context.Context, candleCh <-chan *model.FootprintCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			if err := p.publish(ctx, c); err != nil {
				log.Printf("[redis] publish %s: %v", c.Key(), err)
			}
		}
	}
}

// StreamKey returns the stream a candle is appended to.
func StreamKey(c *model.FootprintCandle) string {
	return "fp:candles:" + c.Interval + ":" + string(c.Venue) + ":" + c.Symbol
}

// LatestKey returns the key holding the most recent candle.
func LatestKey(c *model.FootprintCandle) string {
	return "fp:latest:" + c.Interval + ":" + string(c.Venue) + ":" + c.Symbol
}

// PubSubChannel returns the channel live subscribers listen on.
func PubSubChannel(c *model.FootprintCandle) string {
	return "fp:pub:" + c.Interval + ":" + string(c.Venue) + ":" + c.Symbol
}

// publish performs the pipelined XADD + SET + PUBLISH for one candle.
func (p *Publisher) publish(ctx context.Context, c *model.FootprintCandle) error {
	jsonData := string(c.JSON())

	maxLen := streamMaxLen(c.Interval)

	pipe := p.client.Pipeline()

	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(c),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, LatestKey(c), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, PubSubChannel(c), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: pipeline for %s: %w", c.Key(), err)
	}
	return nil
}

// streamMaxLen sizes the stream trim so every interval keeps a comparable
// wall-clock retention window.
func streamMaxLen(interval string) int64 {
	ms := model.IntervalMS(interval)
	if ms <= 0 {
		return streamMinLen
	}
	n := streamRetention.Milliseconds() / ms
	if n < streamMinLen {
		n = streamMinLen
	}
	return n
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
