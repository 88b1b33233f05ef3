package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Index is the JSON sibling (.idx) of a period file. It serves O(1)
// duplicate and range-filter checks without touching the binary file.
type Index struct {
	Period   string `json:"period"`
	Pattern  string `json:"pattern"`
	Count    uint32 `json:"count"`
	FirstTS  int64  `json:"first_timestamp"`
	LastTS   int64  `json:"last_timestamp"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// Contains reports whether ts lies inside the indexed range.
func (ix *Index) Contains(ts int64) bool {
	return ix.Count > 0 && ts >= ix.FirstTS && ts <= ix.LastTS
}

// Overlaps reports whether the indexed range intersects [from, to].
// Zero bounds mean unbounded.
func (ix *Index) Overlaps(from, to int64) bool {
	if ix.Count == 0 {
		return false
	}
	if from != 0 && ix.LastTS < from {
		return false
	}
	if to != 0 && ix.FirstTS > to {
		return false
	}
	return true
}

// readIndex loads a .idx file. Returns (nil, nil) when it does not exist.
func readIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: read index %s: %w", path, err)
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("filestore: parse index %s: %w", path, err)
	}
	return &ix, nil
}

// writeIndex persists a .idx file atomically (write temp, rename).
func writeIndex(path string, ix *Index) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write index %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Metadata is the per-interval-directory summary file.
type Metadata struct {
	Venue     string `json:"venue"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Periods   int    `json:"periods"`
	FirstTS   int64  `json:"first_timestamp"`
	LastTS    int64  `json:"last_timestamp"`
	UpdatedAt int64  `json:"updated_at"` // epoch ms
}

// updateMetadata rewrites metadata.json for an interval directory by
// folding in the freshly written index.
func updateMetadata(dir string, venue, symbol, interval string, ix *Index) error {
	path := filepath.Join(dir, "metadata.json")

	meta := &Metadata{Venue: venue, Symbol: symbol, Interval: interval}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, meta) // a corrupt metadata file is rebuilt below
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	periods := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".idx" {
			periods++
		}
	}
	meta.Periods = periods
	if meta.FirstTS == 0 || ix.FirstTS < meta.FirstTS {
		meta.FirstTS = ix.FirstTS
	}
	if ix.LastTS > meta.LastTS {
		meta.LastTS = ix.LastTS
	}
	meta.UpdatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
