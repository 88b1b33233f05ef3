package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"footprint-systemv1/internal/model"
)

const (
	// DefaultRPCTimeout bounds every sidecar round trip.
	DefaultRPCTimeout = 30 * time.Second

	defaultDirtyBufferCap = 10000
)

// Payload types shared by client and server.

type loadStatesRequest struct {
	Symbols []string `json:"symbols"`
}

type writeDirtyRequest struct {
	Batch []model.DirtyCandle `json:"batch"`
}

type listGapsRequest struct {
	Symbol string `json:"symbol"`
	Since  int64  `json:"since"`
}

type resolveGapRequest struct {
	Symbol  string `json:"symbol"`
	StartID int64  `json:"start_id"`
}

type dropSymbolRequest struct {
	Symbol string `json:"symbol"`
}

// Client is the in-process half of the sidecar protocol. It implements
// model.StateStore, model.GapReader and model.GapRecorder over the unix
// socket, with a circuit breaker and an in-memory dirty buffer so a sidecar
// outage never loses snapshots or blocks the hot path.
type Client struct {
	socketPath string
	timeout    time.Duration
	breaker    *CircuitBreaker

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Response

	bufMu       sync.Mutex
	dirtyBuf    []model.DirtyCandle
	dirtyBufCap int

	// OnCritical is invoked when buffered dirty state is dropped because
	// the sidecar stayed unreachable past the buffer capacity.
	OnCritical func(reason string)
	// OnBuffered is invoked per buffered batch (for metrics).
	OnBuffered func(n int)
}

// NewClient creates a client for the sidecar socket. No connection is made
// until the first call.
func NewClient(socketPath string) *Client {
	c := &Client{
		socketPath:  socketPath,
		timeout:     DefaultRPCTimeout,
		breaker:     NewCircuitBreaker(5, 10*time.Second),
		pending:     make(map[string]chan Response),
		dirtyBufCap: defaultDirtyBufferCap,
	}
	c.breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[sidecar] circuit breaker %s -> %s", from, to)
		if to == BreakerClosed {
			go c.replayDirtyBuffer()
		}
	}
	return c
}

// SetTimeout overrides the per-RPC timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Ping checks sidecar liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, TypePing, nil)
	return err
}

// LoadStatesForSymbols returns the persisted last trade id per symbol.
func (c *Client) LoadStatesForSymbols(ctx context.Context, symbols []string) (map[string]int64, error) {
	raw, err := c.callBreaking(ctx, TypeLoadStates, loadStatesRequest{Symbols: symbols})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sidecar: load states result: %w", err)
	}
	return out, nil
}

// WriteDirty persists a batch of dirty snapshots. When the sidecar is
// unreachable the batch is buffered in memory and replayed once the
// breaker closes; the call reports success in that case.
func (c *Client) WriteDirty(ctx context.Context, batch []model.DirtyCandle) error {
	if len(batch) == 0 {
		return nil
	}
	_, err := c.callBreaking(ctx, TypeWriteDirty, writeDirtyRequest{Batch: batch})
	if err != nil {
		c.bufferDirty(batch)
		return nil
	}
	return nil
}

// FlushAll forces the sidecar to sync its database. Buffered batches are
// replayed first so a graceful shutdown drains everything.
func (c *Client) FlushAll(ctx context.Context) error {
	c.replayDirtyBuffer()
	_, err := c.callBreaking(ctx, TypeFlushAll, nil)
	return err
}

// DropSymbol removes all persisted state for a symbol.
func (c *Client) DropSymbol(ctx context.Context, symbol string) error {
	_, err := c.callBreaking(ctx, TypeDropSymbol, dropSymbolRequest{Symbol: symbol})
	return err
}

// ListGaps returns recorded trade-id gaps for a symbol since the given time.
func (c *Client) ListGaps(ctx context.Context, symbol string, since int64) ([]model.TradeGap, error) {
	raw, err := c.callBreaking(ctx, TypeListGaps, listGapsRequest{Symbol: symbol, Since: since})
	if err != nil {
		return nil, err
	}
	var gaps []model.TradeGap
	if err := json.Unmarshal(raw, &gaps); err != nil {
		return nil, fmt.Errorf("sidecar: list gaps result: %w", err)
	}
	return gaps, nil
}

// RecordGap persists an observed trade-id gap.
func (c *Client) RecordGap(ctx context.Context, gap model.TradeGap) error {
	_, err := c.callBreaking(ctx, TypeRecordGap, gap)
	return err
}

// ResolveGap deletes a backfilled gap so the recovery loop stops
// re-fetching it.
func (c *Client) ResolveGap(ctx context.Context, symbol string, startID int64) error {
	_, err := c.callBreaking(ctx, TypeResolveGap, resolveGapRequest{Symbol: symbol, StartID: startID})
	return err
}

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// PendingDirty returns the number of buffered dirty snapshots.
func (c *Client) PendingDirty() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.dirtyBuf)
}

func (c *Client) bufferDirty(batch []model.DirtyCandle) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	overflow := len(c.dirtyBuf) + len(batch) - c.dirtyBufCap
	if overflow > 0 {
		c.dirtyBuf = c.dirtyBuf[overflow:]
		if c.OnCritical != nil {
			c.OnCritical(fmt.Sprintf("dirty buffer overflow, dropped %d oldest snapshots", overflow))
		}
	}
	c.dirtyBuf = append(c.dirtyBuf, batch...)
	if c.OnBuffered != nil {
		c.OnBuffered(len(batch))
	}
}

func (c *Client) replayDirtyBuffer() {
	c.bufMu.Lock()
	if len(c.dirtyBuf) == 0 {
		c.bufMu.Unlock()
		return
	}
	toFlush := c.dirtyBuf
	c.dirtyBuf = nil
	c.bufMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.callBreaking(ctx, TypeWriteDirty, writeDirtyRequest{Batch: toFlush}); err != nil {
		c.bufferDirty(toFlush) // still down, keep them
		return
	}
	log.Printf("[sidecar] replayed %d buffered dirty snapshots", len(toFlush))
}

// callBreaking wraps call in the circuit breaker.
func (c *Client) callBreaking(ctx context.Context, msgType string, data any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.breaker.Execute(func() error {
		var err error
		raw, err = c.call(ctx, msgType, data)
		return err
	})
	return raw, err
}

// call performs one correlated round trip.
func (c *Client) call(ctx context.Context, msgType string, data any) (json.RawMessage, error) {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("sidecar: marshal %s: %w", msgType, err)
		}
		payload = b
	}

	req := Request{ID: uuid.NewString(), Type: msgType, Data: payload}
	respCh := make(chan Response, 1)

	c.mu.Lock()
	conn, err := c.ensureConnLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = respCh
	err = writeFrame(conn, req)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(req.ID)
		c.resetConn(conn)
		return nil, fmt.Errorf("sidecar: send %s: %w", msgType, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			return nil, fmt.Errorf("sidecar: %s failed: %s", msgType, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(req.ID)
		return nil, ctx.Err()
	case <-timer.C:
		// Abandon the correlation id; a late response is discarded by the
		// read loop.
		c.dropPending(req.ID)
		return nil, fmt.Errorf("sidecar: %s timed out after %v", msgType, timeout)
	}
}

// ensureConnLocked dials the socket on first use and starts the read loop.
func (c *Client) ensureConnLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sidecar: dial %s: %w", c.socketPath, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// readLoop dispatches responses to their pending callers until the
// connection dies, then fails everything still in flight.
func (c *Client) readLoop(conn net.Conn) {
	for {
		var resp Response
		if err := readFrame(conn, &resp); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			stale := c.pending
			c.pending = make(map[string]chan Response)
			c.mu.Unlock()
			for id, ch := range stale {
				ch <- Response{ID: id, Success: false, Error: "connection lost"}
			}
			return
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resetConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}
