// Package sidecar implements the persistence sidecar: a separate process
// owning the canonical state database, addressed over a unix-domain socket
// with length-delimited JSON messages. The ingestion process consumes it
// through the StateStore and GapReader ports; the sidecar binary runs the
// Server half against SQLite.
package sidecar

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Request types.
const (
	TypePing       = "ping"
	TypeLoadStates = "load_states"
	TypeWriteDirty = "write_dirty"
	TypeFlushAll   = "flush_all"
	TypeListGaps   = "list_gaps"
	TypeRecordGap  = "record_gap"
	TypeResolveGap = "resolve_gap"
	TypeDropSymbol = "drop_symbol"
)

// maxFrame bounds a single message to keep a corrupt length prefix from
// allocating unbounded memory.
const maxFrame = 16 << 20

// Request is the client->sidecar message envelope.
type Request struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the sidecar->client message envelope. Responses echo the
// correlation id of their request.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the JSON
// encoding of v.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sidecar: marshal frame: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("sidecar: frame too large (%d bytes)", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one length-delimited JSON payload into v.
func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrame {
		return fmt.Errorf("sidecar: bad frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
