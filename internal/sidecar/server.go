package sidecar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"footprint-systemv1/internal/model"
)

// Server is the sidecar process half: it owns the canonical state database
// (single writer) and answers the length-delimited protocol on a unix
// socket.
type Server struct {
	db *sql.DB

	mu sync.Mutex // serializes writes; SQLite pool is also capped at 1
}

// NewServer opens (or creates) the state database in WAL mode.
func NewServer(dbPath string) (*Server, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sidecar: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sidecar: schema: %w", err)
	}
	log.Printf("[sidecar] state database ready at %s", dbPath)
	return &Server{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS symbol_states (
			symbol        TEXT PRIMARY KEY,
			last_trade_id INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dirty_candles (
			symbol     TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trade_gaps (
			symbol   TEXT    NOT NULL,
			start_id INTEGER NOT NULL,
			end_id   INTEGER NOT NULL,
			seen_at  INTEGER NOT NULL,
			PRIMARY KEY (symbol, start_id)
		);
	`)
	return err
}

// Serve listens on the unix socket and answers requests until ctx is
// cancelled. A stale socket file from a previous run is removed first.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sidecar: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("sidecar: listen %s: %w", socketPath, err)
	}
	log.Printf("[sidecar] listening on %s", socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sidecar: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		resp := Response{ID: req.ID}
		result, err := s.dispatch(&req)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			if result != nil {
				raw, err := json.Marshal(result)
				if err != nil {
					resp.Success = false
					resp.Error = err.Error()
				} else {
					resp.Result = raw
				}
			}
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request) (any, error) {
	switch req.Type {
	case TypePing:
		return map[string]bool{"ok": true}, nil

	case TypeLoadStates:
		var r loadStatesRequest
		if err := json.Unmarshal(req.Data, &r); err != nil {
			return nil, err
		}
		return s.loadStates(r.Symbols)

	case TypeWriteDirty:
		var r writeDirtyRequest
		if err := json.Unmarshal(req.Data, &r); err != nil {
			return nil, err
		}
		return nil, s.writeDirty(r.Batch)

	case TypeFlushAll:
		return nil, s.flushAll()

	case TypeListGaps:
		var r listGapsRequest
		if err := json.Unmarshal(req.Data, &r); err != nil {
			return nil, err
		}
		return s.listGaps(r.Symbol, r.Since)

	case TypeRecordGap:
		var g model.TradeGap
		if err := json.Unmarshal(req.Data, &g); err != nil {
			return nil, err
		}
		return nil, s.recordGap(g)

	case TypeResolveGap:
		var r resolveGapRequest
		if err := json.Unmarshal(req.Data, &r); err != nil {
			return nil, err
		}
		return nil, s.resolveGap(r.Symbol, r.StartID)

	case TypeDropSymbol:
		var r dropSymbolRequest
		if err := json.Unmarshal(req.Data, &r); err != nil {
			return nil, err
		}
		return nil, s.dropSymbol(r.Symbol)

	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (s *Server) loadStates(symbols []string) (map[string]int64, error) {
	out := make(map[string]int64, len(symbols))
	stmt, err := s.db.Prepare(`SELECT last_trade_id FROM symbol_states WHERE symbol = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, sym := range symbols {
		var id int64
		err := stmt.QueryRow(sym).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[sym] = id
	}
	return out, nil
}

func (s *Server) writeDirty(batch []model.DirtyCandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	stateStmt, err := tx.Prepare(`
		INSERT INTO symbol_states (symbol, last_trade_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			last_trade_id = MAX(last_trade_id, excluded.last_trade_id),
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stateStmt.Close()

	candleStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO dirty_candles (symbol, snapshot, updated_at) VALUES (?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer candleStmt.Close()

	for _, d := range batch {
		if _, err := stateStmt.Exec(d.Symbol, d.LastTradeID, now); err != nil {
			tx.Rollback()
			return err
		}
		if d.Candle != nil {
			if _, err := candleStmt.Exec(d.Symbol, string(d.Candle.JSON()), now); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Server) flushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func (s *Server) listGaps(symbol string, since int64) ([]model.TradeGap, error) {
	rows, err := s.db.Query(
		`SELECT symbol, start_id, end_id, seen_at FROM trade_gaps WHERE symbol = ? AND seen_at >= ? ORDER BY start_id`,
		symbol, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gaps := []model.TradeGap{}
	for rows.Next() {
		var g model.TradeGap
		if err := rows.Scan(&g.Symbol, &g.StartID, &g.EndID, &g.SeenAt); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

func (s *Server) recordGap(g model.TradeGap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO trade_gaps (symbol, start_id, end_id, seen_at) VALUES (?, ?, ?, ?)`,
		g.Symbol, g.StartID, g.EndID, g.SeenAt,
	)
	return err
}

func (s *Server) resolveGap(symbol string, startID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM trade_gaps WHERE symbol = ? AND start_id = ?`,
		symbol, startID,
	)
	return err
}

func (s *Server) dropSymbol(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM symbol_states WHERE symbol = ?`,
		`DELETE FROM dirty_candles WHERE symbol = ?`,
		`DELETE FROM trade_gaps WHERE symbol = ?`,
	} {
		if _, err := tx.Exec(q, symbol); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Server) Close() error {
	return s.db.Close()
}
