package pool

import (
	"time"

	"github.com/google/uuid"

	"footprint-systemv1/internal/model"
)

// MsgType enumerates worker inbox messages.
type MsgType string

const (
	MsgProcessTrades    MsgType = "PROCESS_TRADES"
	MsgSymbolAssignment MsgType = "SYMBOL_ASSIGNMENT"
	MsgWorkerInit       MsgType = "WORKER_INIT"
	MsgWorkerStatus     MsgType = "WORKER_STATUS"
	MsgSyncMetrics      MsgType = "SYNC_METRICS"
	MsgHeartbeat        MsgType = "HEARTBEAT"
	MsgShutdown         MsgType = "SHUTDOWN"
)

// InitPayload carries WORKER_INIT data: the sidecar socket and the symbols
// the worker must own, so it can load dedup floors before the first trade.
type InitPayload struct {
	SocketPath      string
	AssignedSymbols []string
	Configs         map[string]model.SymbolConfig
}

// Message is one unit of work in a worker inbox. Processed strictly in
// order; urgent messages jump the queue.
type Message struct {
	ID     string
	Type   MsgType
	Symbol string
	Trades []*model.Trade
	// Urgent marks recovered trades: they take the priority inbox and are
	// admitted through the aggregator's gap-backfill path.
	Urgent bool
	Config *model.SymbolConfig
	Init   *InitPayload

	// Reply receives exactly one result. Buffered by the sender so the
	// worker never blocks on a departed caller.
	Reply chan Result

	// poison makes the worker loop panic; used by crash-recovery tests.
	poison bool
}

// Result echoes the correlation id of the message it answers.
type Result struct {
	ID             string
	WorkerID       string
	Success        bool
	TradeCount     int
	ProcessingTime time.Duration
	Err            error
	Status         *WorkerStatus
}

// WorkerStatus is a point-in-time snapshot reported via WORKER_STATUS.
type WorkerStatus struct {
	WorkerID        string   `json:"worker_id"`
	AssignedSymbols []string `json:"assigned_symbols"`
	TradesProcessed int64    `json:"trades_processed"`
	CandlesEmitted  int64    `json:"candles_emitted"`
	Duplicates      int64    `json:"duplicates"`
	GapsDetected    int64    `json:"gaps_detected"`
	InboxDepth      int      `json:"inbox_depth"`
	Crashes         int      `json:"crashes"`
}

func newMessage(t MsgType) *Message {
	return &Message{ID: uuid.NewString(), Type: t, Reply: make(chan Result, 1)}
}
