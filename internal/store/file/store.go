// Package file implements the append-only period-file candle store.
// Layout: {baseDir}/{VENUE}/{SYMBOL}/{candles|footprints}/{interval}/{period}.bin
// with a .idx JSON sibling per period file and a metadata.json per interval
// directory. Files are append-only; the only in-place write is the bounded
// 64-byte header update after each append.
package file

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"footprint-systemv1/internal/codec"
	"footprint-systemv1/internal/model"
	"footprint-systemv1/internal/partition"
)

const (
	dirCandles    = "candles"
	dirFootprints = "footprints"

	// recentCap bounds the per-period recent-timestamps set; when full the
	// oldest half is evicted.
	recentCap = 1000
)

// StoreConfig configures the file store.
type StoreConfig struct {
	BaseDir       string
	WriteMetadata bool // maintain metadata.json per interval directory
}

// Store writes completed candles to period files and serves range queries.
// Safe for concurrent use; the symbol->shard invariant means concurrent
// writers never target the same period file, so the mutex is uncontended in
// steady state.
type Store struct {
	cfg StoreConfig

	mu     sync.Mutex
	recent map[string]*recentSet // key = {basePath}/{period}

	// Metrics hooks (optional, set externally)
	OnSave      func()
	OnDuplicate func()
}

// New creates a Store rooted at cfg.BaseDir.
func New(cfg StoreConfig) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("filestore: base dir required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create base dir: %w", err)
	}
	return &Store{cfg: cfg, recent: make(map[string]*recentSet)}, nil
}

// Save appends one completed candle. All duplicate paths return nil: the
// operation is idempotent.
func (s *Store) Save(c *model.FootprintCandle) error {
	if err := codec.Validate(c); err != nil {
		return err
	}

	part, err := partition.For(c.Interval, c.OpenTime)
	if err != nil {
		return err
	}

	candleDir := s.intervalDir(c, dirCandles)
	candlePath := filepath.Join(candleDir, part.Period+".bin")

	s.mu.Lock()
	defer s.mu.Unlock()

	// In-memory duplicate check first — cheapest path.
	set := s.recentFor(candlePath)
	if set.contains(c.OpenTime) {
		if s.OnDuplicate != nil {
			s.OnDuplicate()
		}
		return nil
	}

	// Index check: inside [first, last] is a probable duplicate; beyond
	// last is definitely new.
	ix, err := readIndex(candlePath + ".idx")
	if err != nil {
		return err
	}
	if ix != nil && ix.Contains(c.OpenTime) {
		set.add(c.OpenTime)
		if s.OnDuplicate != nil {
			s.OnDuplicate()
		}
		return nil
	}

	// Reserve the timestamp before writing to close the race window
	// between concurrent saves of the same key.
	set.add(c.OpenTime)

	candlePayload, err := codec.EncodeCandleOnly(c)
	if err != nil {
		return err
	}
	hdr, err := appendRecord(candlePath, c.Symbol, c.Interval, c.OpenTime, candlePayload)
	if err != nil {
		return err
	}

	if len(c.Bins) > 0 {
		fpDir := s.intervalDir(c, dirFootprints)
		fpPath := filepath.Join(fpDir, part.Period+".bin")
		fpPayload, err := codec.EncodeFootprintOnly(c)
		if err != nil {
			return err
		}
		fpHdr, err := appendRecord(fpPath, c.Symbol, c.Interval, c.OpenTime, fpPayload)
		if err != nil {
			return err
		}
		if err := s.writeIndexFor(fpPath, part, c, fpHdr, fpDir); err != nil {
			return err
		}
	}

	if err := s.writeIndexFor(candlePath, part, c, hdr, candleDir); err != nil {
		return err
	}

	if s.OnSave != nil {
		s.OnSave()
	}
	return nil
}

func (s *Store) writeIndexFor(path string, part partition.Partition, c *model.FootprintCandle, hdr codec.Header, dir string) error {
	ix := &Index{
		Period:   part.Period,
		Pattern:  string(part.Pattern),
		Count:    hdr.Count,
		FirstTS:  hdr.FirstTS,
		LastTS:   hdr.LastTS,
		Symbol:   c.Symbol,
		Interval: c.Interval,
	}
	if err := writeIndex(path+".idx", ix); err != nil {
		return err
	}
	if s.cfg.WriteMetadata {
		if err := updateMetadata(dir, string(c.Venue), c.Symbol, c.Interval, ix); err != nil {
			log.Printf("[filestore] metadata update warning: %v", err)
		}
	}
	return nil
}

// appendRecord appends a length-prefixed record, creating the file with a
// fresh header when absent, and rewrites the header in place. Returns the
// updated header.
func appendRecord(path, symbol, interval string, openTime int64, payload []byte) (codec.Header, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return codec.Header{}, fmt.Errorf("filestore: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return codec.Header{}, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return codec.Header{}, err
	}

	var hdr codec.Header
	if st.Size() == 0 {
		hdr = codec.NewHeader(symbol, interval)
		buf := hdr.Marshal()
		if _, err := f.Write(buf[:]); err != nil {
			return codec.Header{}, fmt.Errorf("filestore: write header: %w", err)
		}
	} else {
		var buf [codec.HeaderSize]byte
		if _, err := f.ReadAt(buf[:], 0); err != nil {
			return codec.Header{}, fmt.Errorf("filestore: read header: %w", err)
		}
		hdr, err = codec.UnmarshalHeader(buf[:])
		if err != nil {
			return codec.Header{}, err
		}
	}

	// Append the length-prefixed record at EOF.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return codec.Header{}, err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return codec.Header{}, fmt.Errorf("filestore: append length: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return codec.Header{}, fmt.Errorf("filestore: append record: %w", err)
	}

	// Bounded in-place header update. A crash before this point leaves the
	// file readable with a stale header; readers scan past it.
	hdr.Observe(openTime)
	buf := hdr.Marshal()
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return codec.Header{}, fmt.Errorf("filestore: rewrite header: %w", err)
	}
	return hdr, nil
}

func (s *Store) intervalDir(c *model.FootprintCandle, kind string) string {
	return filepath.Join(s.cfg.BaseDir, string(c.Venue), c.Symbol, kind, c.Interval)
}

func (s *Store) recentFor(key string) *recentSet {
	set := s.recent[key]
	if set == nil {
		set = newRecentSet(recentCap)
		s.recent[key] = set
	}
	return set
}

// Close releases resources. The store holds no open file handles between
// operations, so this only drops the duplicate caches.
func (s *Store) Close() error {
	s.mu.Lock()
	s.recent = make(map[string]*recentSet)
	s.mu.Unlock()
	return nil
}

// recentSet is an insertion-ordered timestamp set with oldest-half eviction.
type recentSet struct {
	cap   int
	order []int64
	seen  map[int64]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		cap:  capacity,
		seen: make(map[int64]struct{}, capacity),
	}
}

func (r *recentSet) contains(ts int64) bool {
	_, ok := r.seen[ts]
	return ok
}

func (r *recentSet) add(ts int64) {
	if _, ok := r.seen[ts]; ok {
		return
	}
	if len(r.order) >= r.cap {
		half := len(r.order) / 2
		for _, old := range r.order[:half] {
			delete(r.seen, old)
		}
		r.order = append(r.order[:0], r.order[half:]...)
	}
	r.order = append(r.order, ts)
	r.seen[ts] = struct{}{}
}
