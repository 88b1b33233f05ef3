package venue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"footprint-systemv1/internal/model"
)

// ConnState is the connector lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateRotating
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateRotating:
		return "ROTATING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	// maxStreamsPerFrame bounds one SUBSCRIBE frame well under the ~4KB
	// venue payload limit.
	maxStreamsPerFrame = 50
	batchPause         = 100 * time.Millisecond

	readDeadline = 90 * time.Second
	pingPeriod   = 30 * time.Second
)

// Config wires a Connector.
type Config struct {
	Venue model.Venue
	URL   string

	// OnTrade receives every normalized trade. Must not block for long;
	// back-pressure is propagated to the venue via TCP.
	OnTrade func(*model.Trade)

	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	MaxReconnectTries int
}

func (c *Config) defaults() {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxReconnectTries <= 0 {
		c.MaxReconnectTries = 10
	}
}

// Connector maintains one venue WebSocket with automatic reconnect and
// full resubscription on every CONNECTED transition.
type Connector struct {
	cfg     Config
	adapter adapter

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	reqID   atomic.Int64

	// dialer is swapped by tests to point at a local server.
	dialer *websocket.Dialer

	OnStateChange func(from, to ConnState)
	OnReconnect   func()
}

// NewConnector creates an unconnected venue connector.
func NewConnector(cfg Config) *Connector {
	cfg.defaults()
	return &Connector{
		cfg:     cfg,
		adapter: adapterFor(cfg.Venue),
		symbols: make(map[string]struct{}),
		dialer:  websocket.DefaultDialer,
	}
}

// State returns the current connection state.
func (c *Connector) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connector) setState(to ConnState) {
	from := ConnState(c.state.Swap(int32(to)))
	if from != to && c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// Run connects and keeps the stream alive until ctx is cancelled or the
// reconnect budget is exhausted. Blocks.
func (c *Connector) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	attempts := 0

	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts > c.cfg.MaxReconnectTries {
				c.setState(StateClosed)
				return fmt.Errorf("venue %s: reconnect budget exhausted: %w", c.cfg.Venue, err)
			}
			d := b.Duration()
			log.Printf("[venue] %s dial failed (attempt %d/%d), retrying in %s: %v",
				c.cfg.Venue, attempts, c.cfg.MaxReconnectTries, d, err)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				c.setState(StateClosed)
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		b.Reset()
		c.setConn(conn)
		c.setState(StateConnected)
		log.Printf("[venue] %s connected to %s", c.cfg.Venue, c.cfg.URL)

		if err := c.resubscribe(); err != nil {
			log.Printf("[venue] %s resubscribe: %v", c.cfg.Venue, err)
		}

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		log.Printf("[venue] %s read loop ended: %v", c.cfg.Venue, err)
		c.setState(StateReconnecting)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop consumes frames until error or cancellation. Any frame counts as
// liveness and extends the read deadline.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pinger.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		for _, t := range c.adapter.parse(raw) {
			if c.cfg.OnTrade != nil {
				c.cfg.OnTrade(t)
			}
		}
	}
}

// Subscribe adds symbols to the active set and, when connected, sends the
// subscription frames in batches.
func (c *Connector) Subscribe(symbols []string) error {
	c.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		if _, ok := c.symbols[s]; !ok {
			c.symbols[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(fresh) == 0 {
		return nil
	}
	return c.sendBatched(conn, fresh, c.adapter.subscribeFrame)
}

// Unsubscribe removes symbols from the active set and tells the venue.
func (c *Connector) Unsubscribe(symbols []string) error {
	c.mu.Lock()
	var gone []string
	for _, s := range symbols {
		if _, ok := c.symbols[s]; ok {
			delete(c.symbols, s)
			gone = append(gone, s)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(gone) == 0 {
		return nil
	}
	return c.sendBatched(conn, gone, c.adapter.unsubscribeFrame)
}

// resubscribe pushes the full active set, used on every CONNECTED transition.
func (c *Connector) resubscribe() error {
	c.mu.Lock()
	conn := c.conn
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	if conn == nil || len(symbols) == 0 {
		return nil
	}
	sort.Strings(symbols)
	return c.sendBatched(conn, symbols, c.adapter.subscribeFrame)
}

// sendBatched writes control frames in chunks of at most maxStreamsPerFrame
// streams with a short pause between chunks.
func (c *Connector) sendBatched(conn *websocket.Conn, symbols []string, frame func([]string, int64) any) error {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = c.adapter.streamName(s)
	}
	for start := 0; start < len(streams); start += maxStreamsPerFrame {
		end := start + maxStreamsPerFrame
		if end > len(streams) {
			end = len(streams)
		}
		if start > 0 {
			time.Sleep(batchPause)
		}
		c.mu.Lock()
		err := conn.WriteJSON(frame(streams[start:end], c.reqID.Add(1)))
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("venue %s: subscribe batch: %w", c.cfg.Venue, err)
		}
	}
	return nil
}

// Symbols returns the active subscription set.
func (c *Connector) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close moves the connector to CLOSING and drops the socket. Run's loop
// exits via its context; Close is for out-of-band teardown.
func (c *Connector) Close() {
	c.setState(StateClosing)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	c.setState(StateClosed)
}
